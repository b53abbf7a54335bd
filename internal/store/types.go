package store

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ConversationHeader is one catalog entry from the backend's listing.
type ConversationHeader struct {
	ID          string
	Title       string
	LastUpdated float64 // unix seconds as reported by the backend
}

// Message is one stored conversation message, ordered by CreateTime.
type Message struct {
	Author     string
	Content    string
	CreateTime float64
	Index      int
}

// CatalogStats tracks how many catalog rows a Record call added or refreshed.
type CatalogStats struct {
	Added   int
	Updated int
}

// PersistResult summarizes one Persist call.
type PersistResult struct {
	JSONPath      string
	NewMessages   int
	TotalMessages int
	AssetPaths    []string
	AssetErrors   []string
}

// ExtractOrderedMessages pulls the displayable messages out of a raw chat
// payload, in create-time order. Parts that are plain strings are taken as
// is; structured parts contribute their first text-ish field.
func ExtractOrderedMessages(rawChat []byte) []Message {
	var messages []Message

	gjson.GetBytes(rawChat, "mapping").ForEach(func(_, node gjson.Result) bool {
		msg := node.Get("message")
		if !msg.Exists() {
			return true
		}
		author := msg.Get("author.role").String()

		var parts []string
		for _, part := range msg.Get("content.parts").Array() {
			text := ""
			if part.Type == gjson.String {
				text = strings.TrimSpace(part.String())
			} else if part.IsObject() {
				for _, key := range []string{"text", "content", "title"} {
					if v := part.Get(key).String(); v != "" {
						text = strings.TrimSpace(v)
						break
					}
				}
			}
			if text != "" {
				parts = append(parts, text)
			}
		}
		if len(parts) == 0 {
			return true
		}

		messages = append(messages, Message{
			Author:     author,
			Content:    strings.Join(parts, "\n"),
			CreateTime: node.Get("message.create_time").Float(),
		})
		return true
	})

	// Stable insertion order breaks ties between messages sharing a create
	// time (the backend rounds aggressively).
	for i := 1; i < len(messages); i++ {
		for j := i; j > 0 && messages[j].CreateTime < messages[j-1].CreateTime; j-- {
			messages[j], messages[j-1] = messages[j-1], messages[j]
		}
	}
	for i := range messages {
		messages[i].Index = i
	}
	return messages
}

// collectAssetPointers finds the image asset pointers referenced anywhere in
// a chat payload: structured content parts and message attachments.
func collectAssetPointers(rawChat []byte) []string {
	var pointers []string
	add := func(pointer string) {
		pointer = strings.TrimSpace(pointer)
		if pointer == "" {
			return
		}
		for _, existing := range pointers {
			if existing == pointer {
				return
			}
		}
		pointers = append(pointers, pointer)
	}

	gjson.GetBytes(rawChat, "mapping").ForEach(func(_, node gjson.Result) bool {
		for _, part := range node.Get("message.content.parts").Array() {
			if part.IsObject() {
				add(part.Get("asset_pointer").String())
			}
		}
		for _, attachment := range node.Get("message.metadata.attachments").Array() {
			if pointer := attachment.Get("asset_pointer").String(); pointer != "" {
				add(pointer)
			} else if id := attachment.Get("id").String(); id != "" {
				add("file-service://" + id)
			}
		}
		return true
	})
	return pointers
}
