package relay

import "chanrelay/internal/transport"

// Post is one logical publication: the ordered messages of a source that are
// forwarded as a unit.
type Post struct {
	Source     Channel
	MessageIDs []int
}

// Group partitions events into posts. An ungrouped event is its own post; a
// run of consecutive events sharing a group id becomes one post with the ids
// in input order. Only contiguous runs merge: the same group id reappearing
// after another post starts a new post.
func Group(src Channel, events []transport.Event) []Post {
	var out []Post
	for i := 0; i < len(events); {
		ev := events[i]
		if !ev.Grouped() {
			out = append(out, Post{Source: src, MessageIDs: []int{ev.MessageID}})
			i++
			continue
		}
		ids := []int{ev.MessageID}
		j := i + 1
		for j < len(events) && events[j].GroupID == ev.GroupID {
			ids = append(ids, events[j].MessageID)
			j++
		}
		out = append(out, Post{Source: src, MessageIDs: ids})
		i = j
	}
	return out
}
