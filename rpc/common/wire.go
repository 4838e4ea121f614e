package common

import (
	"encoding/binary"
	"fmt"
)

// All wire layouts are fixed little-endian structs. Every request starts
// with the common header {opcode u16, service u16}; every response starts
// with {status u32}. Variable-length fields are length-prefixed with u32.

// RequestHeaderSize is the size of the common request header in bytes.
const RequestHeaderSize = 4

// ResponseHeaderSize is the size of the common response header in bytes.
const ResponseHeaderSize = 4

// ErrMessageTooShort is returned by decoders when a buffer ends before the
// layout it is supposed to carry. The dispatcher maps it to
// StatusMessageTooShort.
var ErrMessageTooShort = fmt.Errorf("message too short")

// Message is implemented by every request and response body. AppendTo
// appends the wire form to b and returns the extended slice; Decode parses
// the full body from b.
type Message interface {
	AppendTo(b []byte) []byte
	Decode(b []byte) error
}

// Request is a Message that knows which opcode and service it targets.
type Request interface {
	Message
	Opcode() Opcode
	ServiceID() Service
}

// --------------------------------------------------------------------------
// Header Encode / Decode
// --------------------------------------------------------------------------

// EncodeRequest produces header plus body for the given request.
func EncodeRequest(req Request) []byte {
	b := make([]byte, 0, 64)
	b = appendUint16(b, uint16(req.Opcode()))
	b = appendUint16(b, uint16(req.ServiceID()))
	return req.AppendTo(b)
}

// DecodeRequestHeader splits an incoming request into its header and body.
func DecodeRequestHeader(b []byte) (op Opcode, svc Service, body []byte, err error) {
	if len(b) < RequestHeaderSize {
		return 0, 0, nil, ErrMessageTooShort
	}
	op = Opcode(binary.LittleEndian.Uint16(b[0:2]))
	svc = Service(binary.LittleEndian.Uint16(b[2:4]))
	return op, svc, b[RequestHeaderSize:], nil
}

// EncodeResponse produces header plus body for a reply. A nil body encodes
// just the status, which is the shape of every error reply.
func EncodeResponse(status Status, body Message) []byte {
	b := make([]byte, 0, 64)
	b = appendUint32(b, uint32(status))
	if body != nil {
		b = body.AppendTo(b)
	}
	return b
}

// DecodeResponseHeader splits a reply into its status and body.
func DecodeResponseHeader(b []byte) (Status, []byte, error) {
	if len(b) < ResponseHeaderSize {
		return 0, nil, ErrMessageTooShort
	}
	return Status(binary.LittleEndian.Uint32(b[0:4])), b[ResponseHeaderSize:], nil
}

// --------------------------------------------------------------------------
// Primitive Helpers
// --------------------------------------------------------------------------

func appendUint16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

func appendUint32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendUint64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// appendBytes writes a u32 length prefix followed by the raw bytes.
func appendBytes(b []byte, v []byte) []byte {
	b = appendUint32(b, uint32(len(v)))
	return append(b, v...)
}

func appendString(b []byte, v string) []byte {
	b = appendUint32(b, uint32(len(v)))
	return append(b, v...)
}

func getUint8(b []byte) (uint8, []byte, error) {
	if len(b) < 1 {
		return 0, nil, ErrMessageTooShort
	}
	return b[0], b[1:], nil
}

func getUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrMessageTooShort
	}
	return binary.LittleEndian.Uint32(b), b[4:], nil
}

func getUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, ErrMessageTooShort
	}
	return binary.LittleEndian.Uint64(b), b[8:], nil
}

func getBool(b []byte) (bool, []byte, error) {
	v, rest, err := getUint8(b)
	return v != 0, rest, err
}

func getBytes(b []byte) ([]byte, []byte, error) {
	n, rest, err := getUint32(b)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < n {
		return nil, nil, ErrMessageTooShort
	}
	out := make([]byte, n)
	copy(out, rest[:n])
	return out, rest[n:], nil
}

func getString(b []byte) (string, []byte, error) {
	n, rest, err := getUint32(b)
	if err != nil {
		return "", nil, err
	}
	if uint32(len(rest)) < n {
		return "", nil, ErrMessageTooShort
	}
	return string(rest[:n]), rest[n:], nil
}

// --------------------------------------------------------------------------
// Shared Struct Layouts
// --------------------------------------------------------------------------

func appendRules(b []byte, r RejectRules) []byte {
	b = appendUint64(b, r.GivenVersion)
	b = appendBool(b, r.DoesntExist)
	b = appendBool(b, r.Exists)
	b = appendBool(b, r.VersionLeGiven)
	return appendBool(b, r.VersionNeGiven)
}

func getRules(b []byte) (RejectRules, []byte, error) {
	var r RejectRules
	var err error
	if r.GivenVersion, b, err = getUint64(b); err != nil {
		return r, nil, err
	}
	if r.DoesntExist, b, err = getBool(b); err != nil {
		return r, nil, err
	}
	if r.Exists, b, err = getBool(b); err != nil {
		return r, nil, err
	}
	if r.VersionLeGiven, b, err = getBool(b); err != nil {
		return r, nil, err
	}
	if r.VersionNeGiven, b, err = getBool(b); err != nil {
		return r, nil, err
	}
	return r, b, nil
}

func appendTablet(b []byte, t Tablet) []byte {
	b = appendUint32(b, t.TableID)
	b = appendUint64(b, t.StartID)
	b = appendUint64(b, t.EndID)
	return append(b, byte(t.State))
}

func getTablet(b []byte) (Tablet, []byte, error) {
	var t Tablet
	var err error
	if t.TableID, b, err = getUint32(b); err != nil {
		return t, nil, err
	}
	if t.StartID, b, err = getUint64(b); err != nil {
		return t, nil, err
	}
	if t.EndID, b, err = getUint64(b); err != nil {
		return t, nil, err
	}
	var state uint8
	if state, b, err = getUint8(b); err != nil {
		return t, nil, err
	}
	t.State = TabletState(state)
	return t, b, nil
}

// --------------------------------------------------------------------------
// Per-Message Codecs
// --------------------------------------------------------------------------

func (*PingRequest) Opcode() Opcode           { return OpPing }
func (*PingRequest) ServiceID() Service       { return ServicePing }
func (*PingRequest) AppendTo(b []byte) []byte { return b }
func (*PingRequest) Decode([]byte) error      { return nil }

func (*PingResponse) AppendTo(b []byte) []byte { return b }
func (*PingResponse) Decode([]byte) error      { return nil }

func (*OpenTableRequest) Opcode() Opcode     { return OpOpenTable }
func (*OpenTableRequest) ServiceID() Service { return ServiceMaster }
func (m *OpenTableRequest) AppendTo(b []byte) []byte {
	return appendString(b, m.Name)
}
func (m *OpenTableRequest) Decode(b []byte) error {
	var err error
	m.Name, _, err = getString(b)
	return err
}

func (m *OpenTableResponse) AppendTo(b []byte) []byte {
	return appendUint32(b, m.TableID)
}
func (m *OpenTableResponse) Decode(b []byte) error {
	var err error
	m.TableID, _, err = getUint32(b)
	return err
}

func (*CreateTableRequest) Opcode() Opcode     { return OpCreateTable }
func (*CreateTableRequest) ServiceID() Service { return ServiceMaster }
func (m *CreateTableRequest) AppendTo(b []byte) []byte {
	return appendString(b, m.Name)
}
func (m *CreateTableRequest) Decode(b []byte) error {
	var err error
	m.Name, _, err = getString(b)
	return err
}

func (*CreateTableResponse) AppendTo(b []byte) []byte { return b }
func (*CreateTableResponse) Decode([]byte) error      { return nil }

func (*DropTableRequest) Opcode() Opcode     { return OpDropTable }
func (*DropTableRequest) ServiceID() Service { return ServiceMaster }
func (m *DropTableRequest) AppendTo(b []byte) []byte {
	return appendString(b, m.Name)
}
func (m *DropTableRequest) Decode(b []byte) error {
	var err error
	m.Name, _, err = getString(b)
	return err
}

func (*DropTableResponse) AppendTo(b []byte) []byte { return b }
func (*DropTableResponse) Decode([]byte) error      { return nil }

func (*CreateRequest) Opcode() Opcode     { return OpCreate }
func (*CreateRequest) ServiceID() Service { return ServiceMaster }
func (m *CreateRequest) AppendTo(b []byte) []byte {
	b = appendUint32(b, m.TableID)
	return appendBytes(b, m.Data)
}
func (m *CreateRequest) Decode(b []byte) error {
	var err error
	if m.TableID, b, err = getUint32(b); err != nil {
		return err
	}
	m.Data, _, err = getBytes(b)
	return err
}

func (m *CreateResponse) AppendTo(b []byte) []byte {
	b = appendUint64(b, m.ObjectID)
	return appendUint64(b, m.Version)
}
func (m *CreateResponse) Decode(b []byte) error {
	var err error
	if m.ObjectID, b, err = getUint64(b); err != nil {
		return err
	}
	m.Version, _, err = getUint64(b)
	return err
}

func (*ReadRequest) Opcode() Opcode     { return OpRead }
func (*ReadRequest) ServiceID() Service { return ServiceMaster }
func (m *ReadRequest) AppendTo(b []byte) []byte {
	b = appendUint32(b, m.TableID)
	b = appendUint64(b, m.ObjectID)
	return appendRules(b, m.Rules)
}
func (m *ReadRequest) Decode(b []byte) error {
	var err error
	if m.TableID, b, err = getUint32(b); err != nil {
		return err
	}
	if m.ObjectID, b, err = getUint64(b); err != nil {
		return err
	}
	m.Rules, _, err = getRules(b)
	return err
}

func (m *ReadResponse) AppendTo(b []byte) []byte {
	b = appendUint64(b, m.Version)
	return appendBytes(b, m.Data)
}
func (m *ReadResponse) Decode(b []byte) error {
	var err error
	if m.Version, b, err = getUint64(b); err != nil {
		return err
	}
	m.Data, _, err = getBytes(b)
	return err
}

func (*WriteRequest) Opcode() Opcode     { return OpWrite }
func (*WriteRequest) ServiceID() Service { return ServiceMaster }
func (m *WriteRequest) AppendTo(b []byte) []byte {
	b = appendUint32(b, m.TableID)
	b = appendUint64(b, m.ObjectID)
	b = appendRules(b, m.Rules)
	return appendBytes(b, m.Data)
}
func (m *WriteRequest) Decode(b []byte) error {
	var err error
	if m.TableID, b, err = getUint32(b); err != nil {
		return err
	}
	if m.ObjectID, b, err = getUint64(b); err != nil {
		return err
	}
	if m.Rules, b, err = getRules(b); err != nil {
		return err
	}
	m.Data, _, err = getBytes(b)
	return err
}

func (m *WriteResponse) AppendTo(b []byte) []byte {
	return appendUint64(b, m.Version)
}
func (m *WriteResponse) Decode(b []byte) error {
	var err error
	m.Version, _, err = getUint64(b)
	return err
}

func (*RemoveRequest) Opcode() Opcode     { return OpRemove }
func (*RemoveRequest) ServiceID() Service { return ServiceMaster }
func (m *RemoveRequest) AppendTo(b []byte) []byte {
	b = appendUint32(b, m.TableID)
	b = appendUint64(b, m.ObjectID)
	return appendRules(b, m.Rules)
}
func (m *RemoveRequest) Decode(b []byte) error {
	var err error
	if m.TableID, b, err = getUint32(b); err != nil {
		return err
	}
	if m.ObjectID, b, err = getUint64(b); err != nil {
		return err
	}
	m.Rules, _, err = getRules(b)
	return err
}

func (m *RemoveResponse) AppendTo(b []byte) []byte {
	return appendUint64(b, m.Version)
}
func (m *RemoveResponse) Decode(b []byte) error {
	var err error
	m.Version, _, err = getUint64(b)
	return err
}

func (*MultiReadRequest) Opcode() Opcode     { return OpMultiRead }
func (*MultiReadRequest) ServiceID() Service { return ServiceMaster }
func (m *MultiReadRequest) AppendTo(b []byte) []byte {
	b = appendUint32(b, uint32(len(m.Requests)))
	for _, r := range m.Requests {
		b = appendUint32(b, r.TableID)
		b = appendUint64(b, r.ObjectID)
	}
	return b
}
func (m *MultiReadRequest) Decode(b []byte) error {
	count, b, err := getUint32(b)
	if err != nil {
		return err
	}
	m.Requests = make([]ReadObject, 0, count)
	for i := uint32(0); i < count; i++ {
		var r ReadObject
		if r.TableID, b, err = getUint32(b); err != nil {
			return err
		}
		if r.ObjectID, b, err = getUint64(b); err != nil {
			return err
		}
		m.Requests = append(m.Requests, r)
	}
	return nil
}

func (m *MultiReadResponse) AppendTo(b []byte) []byte {
	b = appendUint32(b, uint32(len(m.Results)))
	for _, r := range m.Results {
		b = appendUint32(b, uint32(r.Status))
		b = appendUint64(b, r.Version)
		b = appendBytes(b, r.Data)
	}
	return b
}
func (m *MultiReadResponse) Decode(b []byte) error {
	count, b, err := getUint32(b)
	if err != nil {
		return err
	}
	m.Results = make([]ReadResult, 0, count)
	for i := uint32(0); i < count; i++ {
		var r ReadResult
		var status uint32
		if status, b, err = getUint32(b); err != nil {
			return err
		}
		r.Status = Status(status)
		if r.Version, b, err = getUint64(b); err != nil {
			return err
		}
		if r.Data, b, err = getBytes(b); err != nil {
			return err
		}
		m.Results = append(m.Results, r)
	}
	return nil
}

func (*SetTabletsRequest) Opcode() Opcode     { return OpSetTablets }
func (*SetTabletsRequest) ServiceID() Service { return ServiceMaster }
func (m *SetTabletsRequest) AppendTo(b []byte) []byte {
	b = appendUint32(b, uint32(len(m.Tablets)))
	for _, t := range m.Tablets {
		b = appendTablet(b, t)
	}
	return b
}
func (m *SetTabletsRequest) Decode(b []byte) error {
	count, b, err := getUint32(b)
	if err != nil {
		return err
	}
	m.Tablets = make([]Tablet, 0, count)
	for i := uint32(0); i < count; i++ {
		var t Tablet
		if t, b, err = getTablet(b); err != nil {
			return err
		}
		m.Tablets = append(m.Tablets, t)
	}
	return nil
}

func (*SetTabletsResponse) AppendTo(b []byte) []byte { return b }
func (*SetTabletsResponse) Decode([]byte) error      { return nil }

func (*RecoverRequest) Opcode() Opcode     { return OpRecover }
func (*RecoverRequest) ServiceID() Service { return ServiceMaster }
func (m *RecoverRequest) AppendTo(b []byte) []byte {
	b = appendUint64(b, m.CrashedMasterID)
	b = appendUint64(b, m.PartitionID)
	b = appendUint32(b, uint32(len(m.Tablets)))
	for _, t := range m.Tablets {
		b = appendTablet(b, t)
	}
	b = appendUint32(b, uint32(len(m.Backups)))
	for _, e := range m.Backups {
		b = appendUint64(b, e.SegmentID)
		b = appendString(b, e.Locator)
	}
	return b
}
func (m *RecoverRequest) Decode(b []byte) error {
	var err error
	if m.CrashedMasterID, b, err = getUint64(b); err != nil {
		return err
	}
	if m.PartitionID, b, err = getUint64(b); err != nil {
		return err
	}
	var count uint32
	if count, b, err = getUint32(b); err != nil {
		return err
	}
	m.Tablets = make([]Tablet, 0, count)
	for i := uint32(0); i < count; i++ {
		var t Tablet
		if t, b, err = getTablet(b); err != nil {
			return err
		}
		m.Tablets = append(m.Tablets, t)
	}
	if count, b, err = getUint32(b); err != nil {
		return err
	}
	m.Backups = make([]RecoveryEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e RecoveryEntry
		if e.SegmentID, b, err = getUint64(b); err != nil {
			return err
		}
		if e.Locator, b, err = getString(b); err != nil {
			return err
		}
		m.Backups = append(m.Backups, e)
	}
	return nil
}

func (*RecoverResponse) AppendTo(b []byte) []byte { return b }
func (*RecoverResponse) Decode([]byte) error      { return nil }

func (*BackupOpenSegmentRequest) Opcode() Opcode     { return OpBackupOpenSegment }
func (*BackupOpenSegmentRequest) ServiceID() Service { return ServiceBackup }
func (m *BackupOpenSegmentRequest) AppendTo(b []byte) []byte {
	b = appendUint64(b, m.MasterID)
	return appendUint64(b, m.SegmentID)
}
func (m *BackupOpenSegmentRequest) Decode(b []byte) error {
	var err error
	if m.MasterID, b, err = getUint64(b); err != nil {
		return err
	}
	m.SegmentID, _, err = getUint64(b)
	return err
}

func (*BackupOpenSegmentResponse) AppendTo(b []byte) []byte { return b }
func (*BackupOpenSegmentResponse) Decode([]byte) error      { return nil }

func (*BackupWriteSegmentRequest) Opcode() Opcode     { return OpBackupWriteSegment }
func (*BackupWriteSegmentRequest) ServiceID() Service { return ServiceBackup }
func (m *BackupWriteSegmentRequest) AppendTo(b []byte) []byte {
	b = appendUint64(b, m.MasterID)
	b = appendUint64(b, m.SegmentID)
	b = appendUint32(b, m.Offset)
	b = appendBool(b, m.Closed)
	return appendBytes(b, m.Data)
}
func (m *BackupWriteSegmentRequest) Decode(b []byte) error {
	var err error
	if m.MasterID, b, err = getUint64(b); err != nil {
		return err
	}
	if m.SegmentID, b, err = getUint64(b); err != nil {
		return err
	}
	if m.Offset, b, err = getUint32(b); err != nil {
		return err
	}
	if m.Closed, b, err = getBool(b); err != nil {
		return err
	}
	m.Data, _, err = getBytes(b)
	return err
}

func (*BackupWriteSegmentResponse) AppendTo(b []byte) []byte { return b }
func (*BackupWriteSegmentResponse) Decode([]byte) error      { return nil }

func (*BackupGetRecoveryDataRequest) Opcode() Opcode     { return OpBackupGetRecoveryData }
func (*BackupGetRecoveryDataRequest) ServiceID() Service { return ServiceBackup }
func (m *BackupGetRecoveryDataRequest) AppendTo(b []byte) []byte {
	b = appendUint64(b, m.MasterID)
	return appendUint64(b, m.SegmentID)
}
func (m *BackupGetRecoveryDataRequest) Decode(b []byte) error {
	var err error
	if m.MasterID, b, err = getUint64(b); err != nil {
		return err
	}
	m.SegmentID, _, err = getUint64(b)
	return err
}

func (m *BackupGetRecoveryDataResponse) AppendTo(b []byte) []byte {
	return appendBytes(b, m.Data)
}
func (m *BackupGetRecoveryDataResponse) Decode(b []byte) error {
	var err error
	m.Data, _, err = getBytes(b)
	return err
}
