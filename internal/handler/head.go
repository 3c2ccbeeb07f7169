package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// Head is a response's status line and header block.
type Head struct {
	Proto      string
	ProtoMajor int
	ProtoMinor int
	StatusCode int
	Status     string
	Header     http.Header
}

// headBlock accumulates one header block as lines arrive.
type headBlock struct {
	proto  string
	code   int
	status string
	header http.Header
	done   bool
}

func parseStatusLine(line []byte) (*headBlock, error) {
	text := strings.TrimRight(string(line), "\r\n")

	proto, rest, _ := strings.Cut(text, " ")
	codeText, reason, _ := strings.Cut(rest, " ")

	code, err := strconv.Atoi(codeText)
	if err != nil || len(codeText) != 3 {
		return nil, fmt.Errorf("malformed status line %q", text)
	}

	status := codeText
	if reason != "" {
		status += " " + reason
	}

	return &headBlock{
		proto:  proto,
		code:   code,
		status: status,
		header: make(http.Header),
	}, nil
}

// add records a "Name: value" line. Lines without a colon are ignored.
func (b *headBlock) add(line []byte) {
	name, value, ok := bytes.Cut(line, []byte(":"))
	if !ok {
		return
	}

	key := textproto.CanonicalMIMEHeaderKey(string(bytes.TrimSpace(name)))
	if key == "" {
		return
	}
	b.header.Add(key, string(bytes.TrimSpace(value)))
}

// provisional reports whether another block is expected after this one:
// interim 1xx responses, and redirects when the engine may follow them.
func (b *headBlock) provisional(follow bool) bool {
	return b.code/100 == 1 || (follow && b.code/100 == 3)
}

func (b *headBlock) head() *Head {
	major, minor, ok := http.ParseHTTPVersion(b.proto)
	if !ok {
		major, minor = protoVersion(b.proto)
	}

	return &Head{
		Proto:      b.proto,
		ProtoMajor: major,
		ProtoMinor: minor,
		StatusCode: b.code,
		Status:     b.status,
		Header:     b.header,
	}
}

// protoVersion handles forms like "HTTP/2" that ParseHTTPVersion rejects.
func protoVersion(proto string) (int, int) {
	v, ok := strings.CutPrefix(proto, "HTTP/")
	if !ok {
		return 0, 0
	}
	majorText, minorText, _ := strings.Cut(v, ".")
	major, _ := strconv.Atoi(majorText)
	minor, _ := strconv.Atoi(minorText)
	return major, minor
}
