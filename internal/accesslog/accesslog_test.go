package accesslog

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func sampleRecord() *Record {
	return &Record{
		Timestamp:      time.UnixMicro(1700000000000000),
		Site:           "www.example",
		RemoteHost:     "10.1.2.3",
		Method:         "GET",
		URI:            "/hello?x=1",
		Status:         200,
		ResponseLength: 5,
		BytesReceived:  321,
		BytesSent:      543,
		Duration:       1500 * time.Microsecond,
		Referer:        "https://ref.example/",
		UserAgent:      "ua/2.0",
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	r := sampleRecord()
	decoded, ok := DecodeRecord(EncodeRecord(r))
	if !ok {
		t.Fatal("decode failed")
	}
	if *decoded != *r {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, r)
	}
}

func TestDecodeRejectsForeignMagic(t *testing.T) {
	p := EncodeRecord(sampleRecord())
	p[0] ^= 0xff
	if _, ok := DecodeRecord(p); ok {
		t.Error("foreign magic accepted")
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	p := EncodeRecord(sampleRecord())
	for cut := 1; cut < len(p); cut += 7 {
		if _, ok := DecodeRecord(p[:cut]); ok {
			t.Errorf("truncation at %d accepted", cut)
		}
	}
}

func TestLineSinkEmitsOneJSONLine(t *testing.T) {
	var buf bytes.Buffer
	s := NewLineSink(&buf)
	s.Log(sampleRecord())

	var fields map[string]any
	if err := json.Unmarshal(buf.Bytes(), &fields); err != nil {
		t.Fatalf("line is not valid JSON: %v (%q)", err, buf.String())
	}
	if fields["method"] != "GET" || fields["uri"] != "/hello?x=1" {
		t.Errorf("fields = %v", fields)
	}
	if fields["status"] != float64(200) {
		t.Errorf("status = %v", fields["status"])
	}
}
