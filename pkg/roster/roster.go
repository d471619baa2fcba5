// Package roster reads the connected-client list from an OpenVPN status log.
package roster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/zmedgyes/charon-proxy/pkg/api"
)

const (
	clientListTag = "CLIENT_LIST"
	headerTag     = "HEADER"

	fieldCommonName     = "CommonName"
	fieldRealAddress    = "RealAddress"
	fieldVirtualAddress = "VirtualAddress"
	fieldVirtualIPv6    = "VirtualIPv6Address"
	fieldConnectedUnix  = "ConnectedSince(time_t)"

	// maxLineLength caps a single status line; longer lines are skipped
	maxLineLength = 1 << 20
)

// defaultClientListHeader is the status-version 2 column order, used when the
// log carries no HEADER,CLIENT_LIST row.
var defaultClientListHeader = []string{
	fieldCommonName,
	fieldRealAddress,
	fieldVirtualAddress,
	fieldVirtualIPv6,
	"BytesReceived",
	"BytesSent",
	"ConnectedSince",
	fieldConnectedUnix,
	"Username",
	"ClientID",
	"PeerID",
}

// StatusFileReader lists connected clients by parsing the status log at Path
type StatusFileReader struct {
	Path string
}

// NewStatusFileReader creates a reader for the given status log
func NewStatusFileReader(path string) *StatusFileReader {
	return &StatusFileReader{Path: path}
}

// ListConnectedClients reads and parses the status log
func (r *StatusFileReader) ListConnectedClients(ctx context.Context) ([]api.RosterEntry, error) {
	logger := ctrllog.FromContext(ctx).WithValues("component", "roster-reader")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(r.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open status log: %w", err)
	}
	defer f.Close()

	entries, skipped, err := ParseStatus(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse status log %s: %w", r.Path, err)
	}
	if skipped > 0 {
		logger.V(1).Info("Skipped malformed client rows", "path", r.Path, "skipped", skipped)
	}
	logger.V(2).Info("Read connected clients", "path", r.Path, "count", len(entries))

	return entries, nil
}

// ParseStatus extracts connected clients from a status-version 2 (comma) or
// 3 (tab) log. It returns the entries and the number of lines that were
// skipped, either malformed CLIENT_LIST rows or lines over maxLineLength.
func ParseStatus(r io.Reader) ([]api.RosterEntry, int, error) {
	header := defaultClientListHeader
	exactWidth := false

	var entries []api.RosterEntry
	skipped := 0

	reader := bufio.NewReader(r)
	for {
		line, tooLong, err := readLine(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, err
		}
		if tooLong {
			skipped++
			continue
		}
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		fields := splitStatusLine(line)
		switch {
		case len(fields) >= 2 && fields[0] == headerTag && fields[1] == clientListTag:
			header = normalizeHeader(fields[2:])
			exactWidth = true
		case fields[0] == clientListTag:
			entry, ok := parseClientRow(header, fields[1:], exactWidth)
			if !ok {
				skipped++
				continue
			}
			entries = append(entries, entry)
		}
	}

	return entries, skipped, nil
}

// readLine returns the next line without its newline. A line longer than
// maxLineLength is consumed and reported as tooLong with no content.
func readLine(r *bufio.Reader) (string, bool, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", false, err
		}
		if !tooLong {
			if len(buf)+len(chunk) > maxLineLength {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if !isPrefix {
			return string(buf), tooLong, nil
		}
	}
}

func splitStatusLine(line string) []string {
	sep := ","
	if strings.HasPrefix(line, headerTag+"\t") || strings.HasPrefix(line, clientListTag+"\t") {
		sep = "\t"
	}
	return strings.Split(line, sep)
}

// normalizeHeader strips spaces so "Common Name" and "CommonName" compare equal
func normalizeHeader(names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = strings.ReplaceAll(strings.TrimSpace(name), " ", "")
	}
	return out
}

func parseClientRow(header, values []string, exactWidth bool) (api.RosterEntry, bool) {
	if exactWidth && len(values) != len(header) {
		return api.RosterEntry{}, false
	}

	row := make(map[string]string, len(header))
	for i, name := range header {
		if i < len(values) {
			row[name] = strings.TrimSpace(values[i])
		}
	}

	entry := api.RosterEntry{
		UserIdentity:   row[fieldCommonName],
		NetworkAddress: row[fieldVirtualAddress],
		RealAddress:    row[fieldRealAddress],
	}
	if entry.NetworkAddress == "" {
		entry.NetworkAddress = row[fieldVirtualIPv6]
	}
	if ts, err := strconv.ParseInt(row[fieldConnectedUnix], 10, 64); err == nil && ts > 0 {
		entry.ConnectedSince = time.Unix(ts, 0).UTC()
	}

	if errs := entry.Validate(); len(errs) > 0 {
		return api.RosterEntry{}, false
	}
	return entry, true
}
