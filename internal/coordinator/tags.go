package coordinator

import (
	"fmt"
	"strings"
)

// KB-reply sub-tags the dispatcher recognizes in a conversation_id to route
// a frame to a conversation's dedicated KB-reply queue instead of its main
// queue. Sending these tagged IDs out on STORE/GET requests to the KB and
// having Frame.Reply preserve the conversation_id is what routes the KB's
// answer back to the right place.
const (
	kbGetTag   = "-kbget-"
	kbPutTag   = "-kbput-"
	kbFrameTag = "-kbframe-"
)

var kbTags = []string{kbGetTag, kbPutTag, kbFrameTag}

// splitKBTag reports whether convID carries a KB-reply sub-tag and, if so,
// the base conversation id it belongs to.
func splitKBTag(convID string) (base string, isKB bool) {
	for _, tag := range kbTags {
		if i := strings.Index(convID, tag); i >= 0 {
			return convID[:i], true
		}
	}
	return convID, false
}

func kbPutConvID(base string, seq int) string {
	return fmt.Sprintf("%s%s%d", base, kbPutTag, seq)
}

func kbGetConvID(base string, seq int) string {
	return fmt.Sprintf("%s%s%d", base, kbGetTag, seq)
}
