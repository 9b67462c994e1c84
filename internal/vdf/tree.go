// Package vdf reads Steam's VDF configuration files through a
// modification-time cache and exposes the few values steamwatch needs.
package vdf

import "strings"

// Tree is a decoded VDF document. Values are either string or Tree-shaped
// maps (map[string]interface{}).
type Tree map[string]interface{}

// Node returns the subtree at the key path, matching keys case-insensitively
// the way Steam does. ok is false when any segment is missing or not a subtree.
func (t Tree) Node(keys ...string) (Tree, bool) {
	cur := t
	for _, k := range keys {
		v, ok := cur.get(k)
		if !ok {
			return nil, false
		}
		switch next := v.(type) {
		case map[string]interface{}:
			cur = Tree(next)
		case Tree:
			cur = next
		default:
			return nil, false
		}
	}
	return cur, true
}

// String returns the string value at the key path.
func (t Tree) String(keys ...string) (string, bool) {
	if len(keys) == 0 {
		return "", false
	}
	parent, ok := t.Node(keys[:len(keys)-1]...)
	if !ok {
		return "", false
	}
	v, ok := parent.get(keys[len(keys)-1])
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (t Tree) get(key string) (interface{}, bool) {
	if v, ok := t[key]; ok {
		return v, true
	}
	for k, v := range t {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
