// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriptions

import (
	"github.com/absmach/fluxmail/topics"
)

// trie indexes topic subscriptions by pattern level. It is not safe for
// concurrent use; the table guards it.
type trie struct {
	root *node
}

type node struct {
	children map[string]*node
	subs     map[string]*entry // Subscriptions on the pattern ending at this level
}

func newTrie() *trie {
	return &trie{root: newNode()}
}

func newNode() *node {
	return &node{
		children: make(map[string]*node),
		subs:     make(map[string]*entry),
	}
}

func (t *trie) insert(pattern string, e *entry) {
	n := t.root
	for _, level := range topics.Levels(pattern) {
		child, ok := n.children[level]
		if !ok {
			child = newNode()
			n.children[level] = child
		}
		n = child
	}
	n.subs[e.sub.ID] = e
}

// remove deletes the subscription and prunes the nodes left empty.
func (t *trie) remove(pattern, id string) {
	levels := topics.Levels(pattern)
	path := make([]*node, 0, len(levels)+1)

	n := t.root
	path = append(path, n)
	for _, level := range levels {
		child, ok := n.children[level]
		if !ok {
			return
		}
		n = child
		path = append(path, n)
	}
	delete(n.subs, id)

	for i := len(levels) - 1; i >= 0; i-- {
		child := path[i+1]
		if len(child.subs) > 0 || len(child.children) > 0 {
			break
		}
		delete(path[i].children, levels[i])
	}
}

// match calls fn for every subscription receiving a message published to
// path. Exact subscriptions on proper ancestors are included unless
// leafOnly is set.
func (t *trie) match(path string, leafOnly bool, fn func(*entry)) {
	levels := topics.Levels(path)
	n := t.root
	for _, level := range levels {
		if wild, ok := n.children[topics.Wildcard]; ok {
			for _, e := range wild.subs {
				fn(e)
			}
		}
		if !leafOnly {
			for _, e := range n.subs {
				fn(e)
			}
		}
		child, ok := n.children[level]
		if !ok {
			return
		}
		n = child
	}

	for _, e := range n.subs {
		fn(e)
	}
	if wild, ok := n.children[topics.Wildcard]; ok {
		for _, e := range wild.subs {
			fn(e)
		}
	}
}
