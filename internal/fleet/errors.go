package fleet

import "errors"

var (
	ErrNoAvailableServers  = errors.New("no available servers")
	ErrNoCapacity          = errors.New("no server with spare capacity")
	ErrAlreadyAssigned     = errors.New("account already has a server assignment")
	ErrTransferFailed      = errors.New("credential transfer failed")
	ErrNodeUnreachable     = errors.New("node unreachable")
	ErrUnknownServer       = errors.New("unknown server")
	ErrInsufficientServers = errors.New("at least two reachable servers are required")
	ErrInvalidStrategy     = errors.New("invalid allocation strategy")
	ErrAccountBusy         = errors.New("account is being allocated elsewhere")
)
