// Package topic implements the byte-indexed topic trie used to match
// PUBLISH topic names against SUBSCRIBE topic filters, including the
// `+` (single-level) and `#` (multi-level) wildcards.
//
// The trie shape is generalized from the original broker prototype's
// trie_node: each edge is keyed by one raw byte of the topic name
// (including '/' as an ordinary separator byte), rather than one node
// per "/"-delimited level. That choice lets `+` and `#` be implemented
// as traversal strategies over the same structure instead of a second
// data model.
package topic

import "strings"

const levelSep = '/'

// Topic is a single node in the topic space that either has retained
// state, subscribers, or both. Subscribers are stored as (clientID,
// maxQoS) pairs rather than live client references so that this
// package never needs to import the broker/registry package; the
// dispatcher resolves clientID to a live connection at delivery time.
type Topic struct {
	Name        string
	Retained    []byte // nil if no retained message is stored
	RetainQoS   byte
	Subscribers map[string]byte // clientID -> max QoS granted
}

func newTopic(name string) *Topic {
	return &Topic{Name: name, Subscribers: make(map[string]byte)}
}

// Subscribe records clientID as a subscriber at the given QoS,
// overwriting any previous subscription by the same client to the
// same filter (MQTT allows re-subscribing to replace the QoS).
func (t *Topic) Subscribe(clientID string, qos byte) {
	t.Subscribers[clientID] = qos
}

// Unsubscribe removes clientID. It reports whether the topic now has
// no subscribers and no retained message, i.e. whether it is safe to
// prune from the trie.
func (t *Topic) Unsubscribe(clientID string) bool {
	delete(t.Subscribers, clientID)
	return len(t.Subscribers) == 0 && t.Retained == nil
}

type node struct {
	children map[byte]*node
	topic    *Topic
}

func newNode() *node {
	return &node{children: make(map[byte]*node)}
}

// Trie is the root of the topic space.
type Trie struct {
	root *node
}

// New returns an empty trie.
func New() *Trie {
	return &Trie{root: newNode()}
}

// descend walks prefix byte by byte from n, creating missing nodes
// when create is true. It returns nil if the path doesn't exist and
// create is false.
func descend(n *node, prefix string, create bool) *node {
	for i := 0; i < len(prefix); i++ {
		b := prefix[i]
		child, ok := n.children[b]
		if !ok {
			if !create {
				return nil
			}
			child = newNode()
			n.children[b] = child
		}
		n = child
	}
	return n
}

// GetOrCreate returns the literal (non-wildcard) topic with this exact
// name, creating it and every intermediate trie node on the path if it
// doesn't exist yet. Used both by SUBSCRIBE (literal filters) and by
// PUBLISH to store a retained message; looking up the subscribers of a
// published topic name uses Find, which creates nothing.
func (tr *Trie) GetOrCreate(name string) *Topic {
	n := descend(tr.root, name, true)
	if n.topic == nil {
		n.topic = newTopic(name)
	}
	return n.topic
}

// Find returns the literal topic with this exact name, or nil if it
// has never been created.
func (tr *Trie) Find(name string) *Topic {
	n := descend(tr.root, name, false)
	if n == nil {
		return nil
	}
	return n.topic
}

// Erase removes the literal topic at name and prunes every ancestor
// trie node that is left with no children and no topic of its own, the
// same bottom-up cleanup as the prototype's recursive_erase.
func (tr *Trie) Erase(name string) {
	path := make([]*node, 0, len(name)+1)
	n := tr.root
	path = append(path, n)
	for i := 0; i < len(name); i++ {
		child, ok := n.children[name[i]]
		if !ok {
			return
		}
		path = append(path, child)
		n = child
	}
	n.topic = nil
	for i := len(path) - 1; i > 0; i-- {
		cur := path[i]
		if cur.topic != nil || len(cur.children) > 0 {
			break
		}
		parent := path[i-1]
		delete(parent.children, name[i-1])
	}
}

// collectAll appends every topic-bearing descendant of n (n included)
// to *out, ignoring any notion of level boundaries. This realizes the
// "#" wildcard: once it applies, everything beneath the matched prefix
// counts as matched regardless of how many further "/" it contains.
func collectAll(n *node, out *[]*Topic) {
	if n.topic != nil {
		*out = append(*out, n.topic)
	}
	for _, child := range n.children {
		collectAll(child, out)
	}
}

// expandOneLevel explores every byte path out of n that does not cross
// a level separator, realizing the "+" wildcard: it matches any
// (possibly empty) run of non-separator bytes. For every separator
// edge found it appends the node just past the separator to
// *nextFrontier, which becomes the starting point for matching the
// remainder of the filter. When last is true (the "+" is the final
// filter level) it also collects the topic at every byte path that
// ends without crossing a separator, i.e. a topic whose name ends at
// that level.
func expandOneLevel(n *node, last bool, out *[]*Topic, nextFrontier *[]*node) {
	for b, child := range n.children {
		if b == levelSep {
			*nextFrontier = append(*nextFrontier, child)
			continue
		}
		if last && child.topic != nil {
			*out = append(*out, child.topic)
		}
		expandOneLevel(child, last, out, nextFrontier)
	}
}

// Match returns every topic *currently stored in the trie* matched by
// filter, which may contain "+" and "#" wildcards per MQTT-4.7.1.
// Results are deduplicated but unordered. A trailing "#" matches only
// the topics below the preceding level, not that level itself: "a/#"
// finds "a/b" but not "a" (MatchesFilter does match "a"). Because the
// trie only holds topics that have received a retained publish or a
// literal subscription, Match only ever sees topics that exist at the
// moment of the call; it is used for immediate retained-message
// delivery on SUBSCRIBE, not for ongoing PUBLISH routing, which instead
// uses MatchesFilter against each stored wildcard subscription so that
// subscriptions made ahead of a topic's first publish still match it.
func (tr *Trie) Match(filter string) []*Topic {
	levels := strings.Split(filter, "/")
	frontier := []*node{tr.root}
	var results []*Topic

	for i, level := range levels {
		last := i == len(levels)-1
		switch {
		case level == "#":
			for _, n := range frontier {
				collectAll(n, &results)
			}
			return dedupe(results)
		case level == "+":
			var next []*node
			for _, n := range frontier {
				expandOneLevel(n, last, &results, &next)
			}
			frontier = next
		default:
			// A non-final literal level also consumes the separator that
			// follows it, so the next level starts just past the '/'.
			step := level
			if !last {
				step += string(levelSep)
			}
			var next []*node
			for _, n := range frontier {
				if child := descend(n, step, false); child != nil {
					next = append(next, child)
				}
			}
			frontier = next
			if last {
				for _, n := range frontier {
					if n.topic != nil {
						results = append(results, n.topic)
					}
				}
			}
		}
		if len(frontier) == 0 {
			break
		}
	}
	return dedupe(results)
}

func dedupe(in []*Topic) []*Topic {
	if len(in) < 2 {
		return in
	}
	seen := make(map[*Topic]struct{}, len(in))
	out := in[:0]
	for _, t := range in {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// MatchesFilter reports whether a literal topic name matches filter,
// without touching the trie at all. The dispatcher uses this at
// PUBLISH time to test a newly published topic name against every
// wildcard filter a client is subscribed to, since a trie lookup alone
// only finds topics that already existed when the subscription was
// made (see Trie.Match's doc comment).
func MatchesFilter(filter, name string) bool {
	if strings.HasPrefix(name, "$") && !strings.HasPrefix(filter, "$") {
		return false
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(name, "/")
	for i := 0; i < len(fl); i++ {
		switch fl[i] {
		case "#":
			return true
		case "+":
			if i >= len(tl) {
				return false
			}
		default:
			if i >= len(tl) || fl[i] != tl[i] {
				return false
			}
		}
	}
	return len(fl) == len(tl)
}

// HasWildcard reports whether filter contains "+" or "#", the
// criterion the dispatcher uses to decide whether a SUBSCRIBE filter
// must be matched dynamically (via MatchesFilter at PUBLISH time, and
// via Match for retained messages at SUBSCRIBE time) rather than stored
// as one literal trie node (via GetOrCreate).
func HasWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}
