package topic

import (
	"strings"
	"sync"
	"time"
)

// trieNode is one level of the topic trie. Its children are keyed by the
// literal level string, "+", or "#".
type trieNode struct {
	children map[string]*trieNode
	subs     map[string]*Subscription // clientID -> subscription at this node
	retained *RetainedMessage
	mu       sync.RWMutex
}

func newTrieNode() *trieNode {
	return &trieNode{
		children: make(map[string]*trieNode),
		subs:     make(map[string]*Subscription),
	}
}

// Trie is the subscription index and retained-message store described by
// the topic model: each node carries the subscriptions terminating there
// plus an optional retained message.
type Trie struct {
	root *trieNode
	mu   sync.RWMutex
}

func NewTrie() *Trie {
	return &Trie{root: newTrieNode()}
}

// Subscribe validates filter, then inserts or overwrites the subscription
// for (clientID, filter) at the terminal node.
func (t *Trie) Subscribe(clientID, filter string, qos byte) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.navigateToNode(filter)

	node.mu.Lock()
	node.subs[clientID] = &Subscription{ClientID: clientID, TopicFilter: filter, QoS: qos}
	node.mu.Unlock()

	return nil
}

// navigateToNode walks from root to the node addressed by filter, creating
// intermediate nodes as needed. Caller must hold t.mu.
func (t *Trie) navigateToNode(filter string) *trieNode {
	levels := splitTopicLevels(filter)
	node := t.root

	for _, level := range levels {
		node.mu.Lock()
		child, ok := node.children[level]
		if !ok {
			child = newTrieNode()
			node.children[level] = child
		}
		node.mu.Unlock()
		node = child
	}

	return node
}

// Unsubscribe removes the (clientID, filter) subscription, pruning any
// nodes left with no subs, no retained message, and no children.
func (t *Trie) Unsubscribe(clientID, filter string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	levels := splitTopicLevels(filter)
	return t.unsubscribeRecursive(t.root, levels, clientID, 0)
}

func (t *Trie) unsubscribeRecursive(node *trieNode, levels []string, clientID string, depth int) bool {
	if depth == len(levels) {
		node.mu.Lock()
		_, existed := node.subs[clientID]
		delete(node.subs, clientID)
		node.mu.Unlock()
		return existed
	}

	level := levels[depth]
	node.mu.RLock()
	child := node.children[level]
	node.mu.RUnlock()

	if child == nil {
		return false
	}

	found := t.unsubscribeRecursive(child, levels, clientID, depth+1)

	if found && t.shouldPruneNode(child) {
		node.mu.Lock()
		delete(node.children, level)
		node.mu.Unlock()
	}

	return found
}

func (t *Trie) shouldPruneNode(node *trieNode) bool {
	node.mu.RLock()
	defer node.mu.RUnlock()
	return len(node.subs) == 0 && len(node.children) == 0 && node.retained == nil
}

// Match returns the subscriptions whose filter matches topic, deduplicated
// by ClientID keeping the maximum granted QoS.
func (t *Trie) Match(topic string) []Subscription {
	if err := ValidateTopic(topic); err != nil {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	levels := splitTopicLevels(topic)
	byClient := make(map[string]*Subscription)
	excludeWildcardRoot := len(levels) > 0 && len(levels[0]) > 0 && levels[0][0] == '$'
	t.matchRecursive(t.root, levels, 0, true, excludeWildcardRoot, byClient)

	result := make([]Subscription, 0, len(byClient))
	for _, sub := range byClient {
		result = append(result, *sub)
	}
	return result
}

// matchRecursive walks the trie alongside the topic's levels. atRoot and
// excludeWildcardRoot implement the '$'-prefixed-topic exclusion rule: a
// wildcard child of the ROOT node only is skipped when the topic's first
// level starts with '$'.
func (t *Trie) matchRecursive(node *trieNode, levels []string, depth int, atRoot, excludeWildcardRoot bool, byClient map[string]*Subscription) {
	node.mu.RLock()
	children := node.children
	node.mu.RUnlock()

	skipWildcards := atRoot && excludeWildcardRoot

	if !skipWildcards {
		if multiNode, ok := children["#"]; ok {
			multiNode.mu.RLock()
			mergeSubs(byClient, multiNode.subs)
			multiNode.mu.RUnlock()
		}
	}

	if depth == len(levels) {
		node.mu.RLock()
		mergeSubs(byClient, node.subs)
		node.mu.RUnlock()
		return
	}

	level := levels[depth]

	if exactNode, ok := children[level]; ok {
		t.matchRecursive(exactNode, levels, depth+1, false, excludeWildcardRoot, byClient)
	}

	if !skipWildcards {
		if plusNode, ok := children["+"]; ok {
			t.matchRecursive(plusNode, levels, depth+1, false, excludeWildcardRoot, byClient)
		}
	}
}

func mergeSubs(byClient map[string]*Subscription, subs map[string]*Subscription) {
	for clientID, sub := range subs {
		existing, ok := byClient[clientID]
		if !ok || sub.QoS > existing.QoS {
			cp := *sub
			byClient[clientID] = &cp
		}
	}
}

// SetRetained stores a retained message at the exact (wildcard-free) topic,
// or clears it if payload is empty, per PUBLISH retain semantics.
func (t *Trie) SetRetained(topic string, payload []byte, qos byte, updatedAt time.Time) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if len(payload) == 0 {
		t.ClearRetained(topic)
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.navigateToNode(topic)
	node.mu.Lock()
	node.retained = &RetainedMessage{Topic: topic, Payload: payload, QoS: qos, UpdatedAt: updatedAt}
	node.mu.Unlock()

	return nil
}

// ClearRetained removes the retained message at topic, if any, pruning the
// node if it is otherwise empty.
func (t *Trie) ClearRetained(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	levels := splitTopicLevels(topic)
	t.clearRetainedRecursive(t.root, levels, 0)
}

func (t *Trie) clearRetainedRecursive(node *trieNode, levels []string, depth int) bool {
	if depth == len(levels) {
		node.mu.Lock()
		existed := node.retained != nil
		node.retained = nil
		node.mu.Unlock()
		return existed
	}

	level := levels[depth]
	node.mu.RLock()
	child := node.children[level]
	node.mu.RUnlock()

	if child == nil {
		return false
	}

	found := t.clearRetainedRecursive(child, levels, depth+1)

	if found && t.shouldPruneNode(child) {
		node.mu.Lock()
		delete(node.children, level)
		node.mu.Unlock()
	}

	return found
}

// RetainedMatching returns every retained message reachable under filter's
// wildcard expansion, as used when replaying retained messages on SUBSCRIBE.
func (t *Trie) RetainedMatching(filter string) []RetainedMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	levels := splitTopicLevels(filter)
	var out []RetainedMessage
	t.retainedMatchRecursive(t.root, levels, 0, &out)
	return out
}

func (t *Trie) retainedMatchRecursive(node *trieNode, levels []string, depth int, out *[]RetainedMessage) {
	if depth == len(levels) {
		node.mu.RLock()
		if node.retained != nil {
			*out = append(*out, *node.retained)
		}
		node.mu.RUnlock()
		return
	}

	level := levels[depth]
	node.mu.RLock()
	children := node.children
	node.mu.RUnlock()

	// A leading wildcard level never matches a '$'-prefixed topic, so a
	// filter like "#" or "+/x" must not replay retained messages stored
	// under "$SYS/...".
	skipDollar := depth == 0

	switch level {
	case "#":
		if !skipDollar {
			t.collectAllRetained(node, out)
			return
		}
		node.mu.RLock()
		if node.retained != nil {
			*out = append(*out, *node.retained)
		}
		node.mu.RUnlock()
		for key, child := range children {
			if strings.HasPrefix(key, "$") {
				continue
			}
			t.collectAllRetained(child, out)
		}
	case "+":
		for key, child := range children {
			if skipDollar && strings.HasPrefix(key, "$") {
				continue
			}
			t.retainedMatchRecursive(child, levels, depth+1, out)
		}
	default:
		if child, ok := children[level]; ok {
			t.retainedMatchRecursive(child, levels, depth+1, out)
		}
	}
}

// collectAllRetained gathers every retained message at or below node,
// implementing the trailing '#' expansion.
func (t *Trie) collectAllRetained(node *trieNode, out *[]RetainedMessage) {
	node.mu.RLock()
	if node.retained != nil {
		*out = append(*out, *node.retained)
	}
	children := make([]*trieNode, 0, len(node.children))
	for _, child := range node.children {
		children = append(children, child)
	}
	node.mu.RUnlock()

	for _, child := range children {
		t.collectAllRetained(child, out)
	}
}

// Clear removes all subscriptions and retained messages.
func (t *Trie) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = newTrieNode()
}

// Count returns the total number of subscriptions in the trie.
func (t *Trie) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.countRecursive(t.root)
}

func (t *Trie) countRecursive(node *trieNode) int {
	node.mu.RLock()
	defer node.mu.RUnlock()

	count := len(node.subs)
	for _, child := range node.children {
		count += t.countRecursive(child)
	}
	return count
}
