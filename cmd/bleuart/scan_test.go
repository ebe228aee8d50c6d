package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/srg/bleuart/internal/device"
	"github.com/srg/bleuart/internal/testutils"
	"github.com/srg/bleuart/scanner"
)

const addrP3 = "AA:BB:CC:DD:EE:03"

func (s *REPLTestSuite) withMixedAdvertisements() {
	s.WithAdvertisements(
		testutils.NewPeripheralBuilder(addrP1).WithName("P1").WithUART().Build(),
		testutils.NewPeripheralBuilder(addrP2).WithName("P2").WithUART().Build(),
		testutils.NewPeripheralBuilder(addrP3).WithRSSI(-80).Build(),
	)
}

func (s *REPLTestSuite) TestScanCommandJSON() {
	s.withMixedAdvertisements()

	out, err := s.executeRoot("scan", "--duration", "50ms", "--format", "json")
	s.Require().NoError(err)

	uart := device.NormalizeUUID(device.DefaultServiceUUID)
	testutils.NewJSONAsserter(s.T()).WithOptions(testutils.WithIgnoreExtraKeys(false)).Assert(out, fmt.Sprintf(`[
		{"index": 0, "name": "P1", "address": %[1]q, "rssi": -60, "connectable": true, "services": [%[4]q]},
		{"index": 1, "name": "P2", "address": %[2]q, "rssi": -60, "connectable": true, "services": [%[4]q]},
		{"index": 2, "address": %[3]q, "rssi": -80, "connectable": true}
	]`, addrP1, addrP2, addrP3, uart))
}

func (s *REPLTestSuite) TestScanCommandTable() {
	s.withMixedAdvertisements()

	out, err := s.executeRoot("scan", "--duration", "50ms", "--format", "table")
	s.Require().NoError(err)

	expected := strings.Join([]string{
		"#  NAME  ADDRESS  RSSI  SERVICES",
		strings.Repeat("-", 80),
		"0  P1                 AA:BB:CC:DD:EE:01  -60 dBm  Nordic UART Service",
		"1  P2                 AA:BB:CC:DD:EE:02  -60 dBm  Nordic UART Service",
		"2  AA:BB:CC:DD:EE:03  AA:BB:CC:DD:EE:03  -80 dBm",
	}, "\n")
	testutils.NewTextAsserter(s.T()).WithOptions(
		testutils.WithIgnoreTrailingWhitespace(true),
		testutils.WithTrimSpace(true),
	).Assert(out, expected)
}

func (s *REPLTestSuite) TestScanCommandRejectsUnknownFormat() {
	_, err := s.executeRoot("scan", "--duration", "50ms", "--format", "xml")
	s.ErrorContains(err, "invalid format 'xml'")
}

// refusingWriter fails any write that contains marker.
type refusingWriter struct {
	syncBuffer
	marker string
}

func (w *refusingWriter) Write(p []byte) (int, error) {
	if strings.Contains(string(p), w.marker) {
		return 0, errors.New("write refused")
	}
	return w.syncBuffer.Write(p)
}

func (s *REPLTestSuite) TestListReportsOutputError() {
	out := &refusingWriter{marker: "ADDRESS"}
	r := newREPL(s.tester, out, &scanner.ScanOptions{Duration: 50 * time.Millisecond}, "", false)
	defer r.Close()

	s.False(r.Execute(s.Context(), "/scan"))
	s.Contains(out.String(), "error: write refused")
}

