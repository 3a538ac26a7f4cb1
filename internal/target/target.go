// Package target picks the reply target from a mention's entity list.
package target

import (
	"strings"

	"github.com/Juliovivas99/crybb/internal/mention"
)

func eq(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Extract returns the username a reply should be addressed to:
//
//  1. Find the leftmost entity whose username equals botHandle.
//  2. If found and a next entity exists whose username is not botHandle,
//     return that next entity's username.
//  3. Else return the leftmost entity whose username is neither botHandle
//     nor authorHandle.
//  4. Else return authorHandle (self-target fallback).
//
// Extract is pure: the same post always yields the same answer.
func Extract(post mention.Mention, botHandle, authorHandle string) string {
	ents := post.Mentions

	botIdx := -1
	for i, e := range ents {
		if eq(e.Username, botHandle) {
			botIdx = i
			break
		}
	}

	if botIdx >= 0 && botIdx+1 < len(ents) && !eq(ents[botIdx+1].Username, botHandle) {
		return ents[botIdx+1].Username
	}

	for _, e := range ents {
		if !eq(e.Username, botHandle) && !eq(e.Username, authorHandle) {
			return e.Username
		}
	}

	return authorHandle
}
