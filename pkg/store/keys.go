package store

import (
	"fmt"
	"strconv"
)

// Key layout. Sequence numbers are zero-padded to 20 digits so pebble's
// byte order matches numeric order.
//
//	user:<email>                  -> User JSON
//	cred:<email>                  -> password digest
//	room:<name>                   -> Room JSON
//	conv:<convKey>:msg:<seq20>    -> Message JSON
//	dir:change:<seq20>            -> DirectoryChange JSON

const dirChangePrefix = "dir:change:"

func userKey(email string) []byte { return []byte("user:" + email) }
func credKey(email string) []byte { return []byte("cred:" + email) }
func roomKey(name string) []byte  { return []byte("room:" + name) }

func convMsgPrefix(convKey string) string {
	return "conv:" + convKey + ":msg:"
}

func convMsgKey(convKey string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", convMsgPrefix(convKey), seq))
}

func dirChangeKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", dirChangePrefix, seq))
}

// seqFromKey parses the trailing padded sequence number of a log key.
func seqFromKey(key []byte, prefixLen int) (uint64, error) {
	if len(key) < prefixLen {
		return 0, fmt.Errorf("key too short: %q", key)
	}
	return strconv.ParseUint(string(key[prefixLen:]), 10, 64)
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, for bounded iteration and range deletes.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
