// Package iiod talks to a remote instrument through the iiod text protocol,
// the network transport of the IIO attribute store.
package iiod

import (
	"bufio"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"

	"github.com/analogdevicesinc/libm2k-sub001/internal/iio"
)

const (
	errnoNotFound = 2   // ENOENT
	errnoTimedOut = 110 // ETIMEDOUT
)

// attrCommand builds the READ or WRITE addressing for an attribute.
func attrCommand(verb, deviceID string, a iio.Attr) string {
	switch {
	case a.Buffer:
		return fmt.Sprintf("%s %s BUFFER %s", verb, deviceID, a.Name)
	case a.Channel == "":
		return fmt.Sprintf("%s %s %s", verb, deviceID, a.Name)
	}
	dir := "INPUT"
	if a.Output {
		dir = "OUTPUT"
	}
	return fmt.Sprintf("%s %s %s %s %s", verb, deviceID, dir, a.Channel, a.Name)
}

// readStatus reads the integer line every iiod reply starts with. Negative
// values carry an errno.
func readStatus(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("malformed status line %q", strings.TrimSpace(line))
	}
	if n < 0 {
		return n, errnoError(-n)
	}
	return n, nil
}

func errnoError(code int) error {
	errno := syscall.Errno(code)
	switch code {
	case errnoNotFound:
		return fmt.Errorf("%v: %w", errno, iio.ErrNotFound)
	case errnoTimedOut:
		return fmt.Errorf("%v: %w", errno, iio.ErrTimeout)
	}
	return errno
}

// readPayload reads n bytes followed by the trailing newline iiod appends.
func readPayload(r *bufio.Reader, n int) ([]byte, error) {
	buf := make([]byte, n+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func encodeSamples(data []int16) []byte {
	out := make([]byte, 2*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func decodeSamples(raw []byte) []int16 {
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return out
}

type xmlAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlScan struct {
	Index int `xml:"index,attr"`
}

type xmlChannel struct {
	ID    string    `xml:"id,attr"`
	Type  string    `xml:"type,attr"`
	Scan  *xmlScan  `xml:"scan-element"`
	Attrs []xmlAttr `xml:"attribute"`
}

type xmlDevice struct {
	ID          string       `xml:"id,attr"`
	Name        string       `xml:"name,attr"`
	Channels    []xmlChannel `xml:"channel"`
	Attrs       []xmlAttr    `xml:"attribute"`
	BufferAttrs []xmlAttr    `xml:"buffer-attribute"`
}

type xmlContext struct {
	XMLName xml.Name    `xml:"context"`
	Attrs   []xmlAttr   `xml:"context-attribute"`
	Devices []xmlDevice `xml:"device"`
}

// layout is the static description of the remote context returned by PRINT.
type layout struct {
	context   map[string]string
	deviceIDs map[string]string
	attrs     map[iio.Attr]bool
	scan      map[string]map[string]int
}

func parseLayout(doc []byte) (*layout, error) {
	var ctx xmlContext
	if err := xml.Unmarshal(doc, &ctx); err != nil {
		return nil, fmt.Errorf("failed to parse context description: %w", err)
	}

	l := &layout{
		context:   make(map[string]string),
		deviceIDs: make(map[string]string),
		attrs:     make(map[iio.Attr]bool),
		scan:      make(map[string]map[string]int),
	}
	for _, a := range ctx.Attrs {
		l.context[a.Name] = a.Value
		l.attrs[iio.ContextAttr(a.Name)] = true
	}
	for _, d := range ctx.Devices {
		if d.Name == "" {
			return nil, errors.New("device without a name in context description")
		}
		l.deviceIDs[d.Name] = d.ID
		l.scan[d.Name] = make(map[string]int)
		for _, a := range d.Attrs {
			l.attrs[iio.DeviceAttr(d.Name, a.Name)] = true
		}
		for _, a := range d.BufferAttrs {
			l.attrs[iio.BufferAttr(d.Name, a.Name)] = true
		}
		for _, ch := range d.Channels {
			out := ch.Type == "output"
			for _, a := range ch.Attrs {
				l.attrs[iio.ChannelAttr(d.Name, ch.ID, out, a.Name)] = true
			}
			if ch.Scan != nil {
				l.scan[d.Name][ch.ID] = ch.Scan.Index
			}
		}
	}
	return l, nil
}

// mask renders the enabled scan elements the way OPEN expects them.
func (l *layout) mask(device string, channels []string) (string, error) {
	var m uint32
	for _, id := range channels {
		idx, ok := l.scan[device][id]
		if !ok {
			return "", fmt.Errorf("channel %s of %s is not a scan element: %w", id, device, iio.ErrNotFound)
		}
		if idx >= 32 {
			return "", fmt.Errorf("scan index %d out of range", idx)
		}
		m |= 1 << idx
	}
	return fmt.Sprintf("%08x", m), nil
}
