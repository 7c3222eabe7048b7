package watcher

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// State is the coarse call state of an agent.
type State string

const (
	StateReady  State = "ready"
	StateInCall State = "in_call"
	StateOther  State = "other"
)

// AgentRecord is one agent row of a realtime report. It lives for one poll cycle.
type AgentRecord struct {
	UserID         string `json:"user_id"`
	Station        string `json:"station"`
	SessionID      string `json:"session_id"`
	Status         State  `json:"status"`
	RawStatus      string `json:"raw_status"`
	Elapsed        string `json:"elapsed"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
}

const minReportFields = 8

var leadingWord = regexp.MustCompile(`^\w+`)

// ParseElapsed converts "MM:SS" or "HH:MM:SS" into seconds. Anything else,
// including negative or non-numeric parts, yields 0.
func ParseElapsed(s string) int {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}

// Classify maps a raw report status onto State.
func Classify(raw string) State {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "READY":
		return StateReady
	case strings.HasPrefix(raw, "INCALL"):
		return StateInCall
	default:
		return StateOther
	}
}

// ParseReport extracts agent rows from a realtime report page. The rows are
// taken from the first <pre> element, or the whole text when there is none.
// Lines without enough "|" separated fields are skipped.
func ParseReport(body []byte) []AgentRecord {
	text := reportText(body)
	var out []AgentRecord
	for _, line := range strings.Split(text, "\n") {
		if !strings.Contains(line, "|") {
			continue
		}
		rec, ok := parseLine(line)
		if ok {
			out = append(out, rec)
		}
	}
	return out
}

func parseLine(line string) (AgentRecord, bool) {
	parts := strings.Split(line, "|")
	if len(parts) < minReportFields {
		return AgentRecord{}, false
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	user := leadingWord.FindString(parts[2])
	if user == "" {
		fields := strings.Fields(parts[2])
		if len(fields) == 0 {
			return AgentRecord{}, false
		}
		user = fields[0]
	}
	return AgentRecord{
		UserID:         user,
		Station:        parts[1],
		SessionID:      parts[3],
		Status:         Classify(parts[4]),
		RawStatus:      parts[4],
		Elapsed:        parts[5],
		ElapsedSeconds: ParseElapsed(parts[5]),
	}, true
}

// Candidates returns the records that must be logged out: on session, ready
// or in call, and strictly over threshold seconds.
func Candidates(records []AgentRecord, session string, threshold int) []AgentRecord {
	var out []AgentRecord
	for _, r := range records {
		if r.SessionID != session {
			continue
		}
		if r.Status != StateReady && r.Status != StateInCall {
			continue
		}
		if r.ElapsedSeconds > threshold {
			out = append(out, r)
		}
	}
	return out
}

// OnSession counts the records that belong to session.
func OnSession(records []AgentRecord, session string) int {
	n := 0
	for _, r := range records {
		if r.SessionID == session {
			n++
		}
	}
	return n
}

// reportText returns the text content of the first <pre> element, or of
// the whole document when no <pre> exists. Markup inside is dropped.
func reportText(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return string(body)
	}
	if pre := findElement(doc, "pre"); pre != nil {
		return textContent(pre)
	}
	return textContent(doc)
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := findElement(c, tag); f != nil {
			return f
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
			if n.Data == "br" {
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// hiddenInputs collects name/value pairs of <input type="hidden"> elements.
func hiddenInputs(body []byte) map[string]string {
	out := map[string]string{}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return out
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			var typ, name, value string
			for _, a := range n.Attr {
				switch strings.ToLower(a.Key) {
				case "type":
					typ = strings.ToLower(a.Val)
				case "name":
					name = a.Val
				case "value":
					value = a.Val
				}
			}
			if typ == "hidden" && name != "" {
				out[name] = value
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}
