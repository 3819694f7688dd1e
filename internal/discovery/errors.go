package discovery

import "github.com/pkg/errors"

var (
	errCantCreateSocket = errors.New("discovery: cannot create socket in requested port range")
	errGatherTimeout    = errors.New("discovery: no response from server")
)
