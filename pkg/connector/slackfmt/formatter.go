// Copyright 2024-2026 Aiku AI

// Package slackfmt converts Slack mrkdwn to plain text for Matrix room
// names and topics.
package slackfmt

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// <@U123>, <#C123|general>, <!here>, <https://example.com|label>
	referenceRe = regexp.MustCompile(`<([@#!]?)([^<>|]*)(?:\|([^<>]*))?>`)
	boldRe      = regexp.MustCompile(`(^|[\s(])\*([^*\n]+)\*([\s).,!?:;]|$)`)
	italicRe    = regexp.MustCompile(`(^|[\s(])_([^_\n]+)_([\s).,!?:;]|$)`)
	strikeRe    = regexp.MustCompile(`(^|[\s(])~([^~\n]+)~([\s).,!?:;]|$)`)
	codeRe      = regexp.MustCompile("`([^`\n]+)`")
	codeBlockRe = regexp.MustCompile("(?s)```\\n?(.*?)```")
	spaceRe     = regexp.MustCompile(`\s+`)
)

var unescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")

// PlainText renders a Slack mrkdwn string as a single line of plain text.
// Mentions keep their label, links keep their label followed by the URL,
// and emphasis markers are removed. Code spans are kept verbatim.
func PlainText(text string) string {
	if text == "" {
		return ""
	}

	// Step 1: Extract code into placeholders so nothing inside is rewritten.
	var code []string
	keep := func(content string) string {
		idx := len(code)
		code = append(code, content)
		return "\x00CODE" + strconv.Itoa(idx) + "\x00"
	}
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		return keep(strings.TrimSpace(codeBlockRe.FindStringSubmatch(match)[1]))
	})
	processed = codeRe.ReplaceAllStringFunc(processed, func(match string) string {
		return keep(codeRe.FindStringSubmatch(match)[1])
	})

	// Step 2: References.
	processed = referenceRe.ReplaceAllStringFunc(processed, func(match string) string {
		parts := referenceRe.FindStringSubmatch(match)
		return renderReference(parts[1], parts[2], parts[3])
	})

	// Step 3: Emphasis. Each pattern runs twice so adjacent spans that share
	// a separator are both handled.
	for _, re := range []*regexp.Regexp{boldRe, italicRe, strikeRe} {
		processed = re.ReplaceAllString(processed, "$1$2$3")
		processed = re.ReplaceAllString(processed, "$1$2$3")
	}

	// Step 4: Topics are single-line.
	processed = strings.TrimSpace(spaceRe.ReplaceAllString(processed, " "))

	// Step 5: Restore code.
	for i, content := range code {
		processed = strings.Replace(processed, "\x00CODE"+strconv.Itoa(i)+"\x00", content, 1)
	}

	return unescaper.Replace(processed)
}

func renderReference(sigil, target, label string) string {
	switch sigil {
	case "@":
		if label != "" {
			return "@" + strings.TrimPrefix(label, "@")
		}
		return "@" + target
	case "#":
		if label != "" {
			return "#" + label
		}
		return "#" + target
	case "!":
		if label != "" {
			return label
		}
		// <!subteam^S123> and <!date^...> without a fallback have nothing
		// readable to show.
		if keyword, _, hasArgs := strings.Cut(target, "^"); hasArgs {
			return "@" + keyword
		}
		return "@" + target
	}

	// Links. Only safe URL schemes are kept.
	lower := strings.ToLower(strings.TrimSpace(target))
	switch {
	case strings.HasPrefix(lower, "mailto:"):
		if label != "" {
			return label
		}
		return target[len("mailto:"):]
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		if label == "" || label == target {
			return target
		}
		return label + " (" + target + ")"
	}
	return label
}
