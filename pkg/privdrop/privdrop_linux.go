//go:build linux

// Package privdrop drops process privileges to a configured user/group
// after a collector has bound its listening socket.
package privdrop

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
)

// Drop switches the process's effective group and user, in that order (group
// first, since dropping the user first can remove permission to change
// group). Empty values are no-ops.
func Drop(userName, groupName string) error {
	if groupName != "" {
		gid, err := lookupGid(groupName)
		if err != nil {
			return err
		}
		if err := syscall.Setgid(gid); err != nil {
			return fmt.Errorf("setgid(%s): %w", groupName, err)
		}
	}
	if userName != "" {
		uid, err := lookupUid(userName)
		if err != nil {
			return err
		}
		if err := syscall.Setuid(uid); err != nil {
			return fmt.Errorf("setuid(%s): %w", userName, err)
		}
	}
	return nil
}

func lookupUid(name string) (int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, fmt.Errorf("looking up user %s: %w", name, err)
	}
	return strconv.Atoi(u.Uid)
}

func lookupGid(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("looking up group %s: %w", name, err)
	}
	return strconv.Atoi(g.Gid)
}
