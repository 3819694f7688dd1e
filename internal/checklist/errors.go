package checklist

import "errors"

// errNoValidPairForRemote is returned by ForceSelectRemote when no pair
// naming the given remote candidate has yet reached a valid state.
var errNoValidPairForRemote = errors.New("checklist: no valid pair for remote candidate")
