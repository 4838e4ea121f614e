package common

import (
	"bytes"
	"testing"
)

func TestRequestHeaderRoundTrip(t *testing.T) {
	req := &ReadRequest{TableID: 7, ObjectID: 42, Rules: RejectRules{VersionNeGiven: true, GivenVersion: 3}}
	buf := EncodeRequest(req)

	op, svc, body, err := DecodeRequestHeader(buf)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if op != OpRead || svc != ServiceMaster {
		t.Errorf("header = (%s,%s)", op, svc)
	}
	var decoded ReadRequest
	if err := decoded.Decode(body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.TableID != 7 || decoded.ObjectID != 42 || !decoded.Rules.VersionNeGiven || decoded.Rules.GivenVersion != 3 {
		t.Errorf("decoded %+v", decoded)
	}
}

func TestHeaderLayoutIsLittleEndian(t *testing.T) {
	buf := EncodeRequest(&PingRequest{})
	if len(buf) != RequestHeaderSize {
		t.Fatalf("ping request is %d bytes, want %d", len(buf), RequestHeaderSize)
	}
	// opcode u16 then service u16, both little endian.
	if buf[0] != byte(OpPing) || buf[1] != byte(OpPing>>8) {
		t.Errorf("opcode bytes %v", buf[:2])
	}
	if buf[2] != byte(ServicePing) || buf[3] != byte(ServicePing>>8) {
		t.Errorf("service bytes %v", buf[2:4])
	}
}

func TestShortBuffersRejected(t *testing.T) {
	if _, _, _, err := DecodeRequestHeader([]byte{1, 2}); err != ErrMessageTooShort {
		t.Errorf("short request header: %v", err)
	}
	if _, _, err := DecodeResponseHeader([]byte{1}); err != ErrMessageTooShort {
		t.Errorf("short response header: %v", err)
	}
	var req WriteRequest
	if err := req.Decode([]byte{1, 2, 3}); err != ErrMessageTooShort {
		t.Errorf("truncated write request: %v", err)
	}
	var resp ReadResponse
	if err := resp.Decode([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}); err != ErrMessageTooShort {
		t.Errorf("length prefix past the buffer: %v", err)
	}
}

func TestResponseStatus(t *testing.T) {
	buf := EncodeResponse(StatusWrongVersion, &ReadResponse{Version: 9})
	status, body, err := DecodeResponseHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusWrongVersion {
		t.Errorf("status %s", status)
	}
	var resp ReadResponse
	if err := resp.Decode(body); err != nil || resp.Version != 9 {
		t.Errorf("body %+v err=%v", resp, err)
	}
}

func TestStatusOKIsZero(t *testing.T) {
	if StatusOK != 0 {
		t.Fatal("StatusOK must be wire value 0")
	}
}

func TestRecoverRequestRoundTrip(t *testing.T) {
	req := &RecoverRequest{
		CrashedMasterID: 123,
		PartitionID:     4,
		Tablets: []Tablet{
			{TableID: 123, StartID: 0, EndID: 9, State: TabletRecovering},
			{TableID: 124, StartID: 20, EndID: 100, State: TabletRecovering},
		},
		Backups: []RecoveryEntry{
			{SegmentID: 87, Locator: "tcp:host=backup1,port=8090"},
			{SegmentID: 88, Locator: "tcp:host=backup2,port=8090"},
			{SegmentID: 88, Locator: "tcp:host=backup1,port=8090"},
		},
	}
	buf := EncodeRequest(req)
	_, _, body, err := DecodeRequestHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	var decoded RecoverRequest
	if err := decoded.Decode(body); err != nil {
		t.Fatal(err)
	}
	if decoded.CrashedMasterID != 123 || decoded.PartitionID != 4 {
		t.Errorf("ids %+v", decoded)
	}
	if len(decoded.Tablets) != 2 || decoded.Tablets[1] != req.Tablets[1] {
		t.Errorf("tablets %+v", decoded.Tablets)
	}
	if len(decoded.Backups) != 3 || decoded.Backups[2] != req.Backups[2] {
		t.Errorf("backups %+v", decoded.Backups)
	}
}

func TestMultiReadRoundTrip(t *testing.T) {
	req := &MultiReadRequest{Requests: []ReadObject{{TableID: 0, ObjectID: 0}, {TableID: 0, ObjectID: 1}}}
	_, _, body, err := DecodeRequestHeader(EncodeRequest(req))
	if err != nil {
		t.Fatal(err)
	}
	var decodedReq MultiReadRequest
	if err := decodedReq.Decode(body); err != nil || len(decodedReq.Requests) != 2 {
		t.Fatalf("request %+v err=%v", decodedReq, err)
	}

	resp := &MultiReadResponse{Results: []ReadResult{
		{Status: StatusOK, Version: 1, Data: []byte("firstVal")},
		{Status: StatusObjectDoesntExist},
	}}
	status, respBody, err := DecodeResponseHeader(EncodeResponse(StatusOK, resp))
	if err != nil || status != StatusOK {
		t.Fatal(err)
	}
	var decoded MultiReadResponse
	if err := decoded.Decode(respBody); err != nil {
		t.Fatal(err)
	}
	if len(decoded.Results) != 2 {
		t.Fatalf("results %+v", decoded.Results)
	}
	if decoded.Results[0].Version != 1 || !bytes.Equal(decoded.Results[0].Data, []byte("firstVal")) {
		t.Errorf("result 0 %+v", decoded.Results[0])
	}
	if decoded.Results[1].Status != StatusObjectDoesntExist {
		t.Errorf("result 1 %+v", decoded.Results[1])
	}
}

func TestRejectRulesWireSize(t *testing.T) {
	b := appendRules(nil, RejectRules{GivenVersion: 1, DoesntExist: true})
	if len(b) != 12 {
		t.Errorf("reject rules encode to %d bytes, want 12", len(b))
	}
	rules, rest, err := getRules(b)
	if err != nil || len(rest) != 0 {
		t.Fatalf("rest=%d err=%v", len(rest), err)
	}
	if !rules.DoesntExist || rules.GivenVersion != 1 || rules.Exists {
		t.Errorf("decoded %+v", rules)
	}
}
