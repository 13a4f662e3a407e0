//go:build !linux

package privdrop

import "fmt"

// Drop is unsupported outside Linux; a non-empty request fails loudly
// rather than silently running as the original user.
func Drop(userName, groupName string) error {
	if userName == "" && groupName == "" {
		return nil
	}
	return fmt.Errorf("privilege drop is not supported on this platform")
}
