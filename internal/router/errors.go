package router

import "fmt"

var errUnexpectedSelfForward = fmt.Errorf("refusing to resolve a forward target of self")

func errUnknownPeer(id int) error {
	return fmt.Errorf("unknown peer id %d", id)
}
