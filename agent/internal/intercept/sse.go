// Package intercept extracts image URLs from the surface's own traffic and
// rendered content without modifying either.
package intercept

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

const (
	dataPrefix = "data: "

	// maxStringLayers bounds how many JSON-encoded string layers a record
	// may be wrapped in.
	maxStringLayers = 3

	// creationTypeImage is the legacy "creations" discriminator for an image.
	creationTypeImage = 1
)

// ExtractURLs parses a text/event-stream body and returns the image URLs it
// carries, in discovery order. Malformed records are skipped.
func ExtractURLs(body []byte) []string {
	var urls []string
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if !bytes.HasPrefix(line, []byte(dataPrefix)) {
			continue
		}
		var record interface{}
		if err := json.Unmarshal(line[len(dataPrefix):], &record); err != nil {
			continue
		}
		urls = append(urls, urlsInRecord(record)...)
	}
	return urls
}

// urlsInRecord walks one decoded record. Strings that themselves hold JSON
// are decoded, up to maxStringLayers deep.
func urlsInRecord(record interface{}) []string {
	var urls []string
	var walk func(v interface{}, layers int)
	walk = func(v interface{}, layers int) {
		switch t := v.(type) {
		case string:
			if layers >= maxStringLayers || !looksLikeJSON(t) {
				return
			}
			var inner interface{}
			if err := json.Unmarshal([]byte(t), &inner); err != nil {
				return
			}
			walk(inner, layers+1)

		case []interface{}:
			for _, item := range t {
				walk(item, layers)
			}

		case map[string]interface{}:
			found := false
			if creations, ok := t["creations"].([]interface{}); ok {
				urls = append(urls, legacyCreationURLs(creations)...)
				found = true
			}
			if data, ok := t["data"].([]interface{}); ok {
				if got := dataEntryURLs(data); len(got) > 0 {
					urls = append(urls, got...)
					found = true
				}
			}
			if found {
				return
			}
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k], layers)
			}
		}
	}
	walk(record, 0)
	return urls
}

// legacyCreationURLs reads {"type":1,"image":{"image_raw":{"url":...}}} entries.
func legacyCreationURLs(creations []interface{}) []string {
	var urls []string
	for _, c := range creations {
		entry, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		kind, ok := entry["type"].(float64)
		if !ok || int(kind) != creationTypeImage {
			continue
		}
		image, _ := entry["image"].(map[string]interface{})
		if u := imageRawURL(image); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// dataEntryURLs reads {"image_raw":{"url":...}} entries.
func dataEntryURLs(data []interface{}) []string {
	var urls []string
	for _, d := range data {
		entry, _ := d.(map[string]interface{})
		if u := imageRawURL(entry); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func imageRawURL(obj map[string]interface{}) string {
	if obj == nil {
		return ""
	}
	raw, _ := obj["image_raw"].(map[string]interface{})
	if raw == nil {
		return ""
	}
	u, _ := raw["url"].(string)
	return u
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) > 1 && (s[0] == '{' || s[0] == '[' || s[0] == '"')
}
