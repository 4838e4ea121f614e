package master

import (
	"context"

	"github.com/larchdb/larch/rpc/common"
)

// HandleRPC executes one master-service RPC. Handlers run on worker
// threads, so they are free to block on replication. Every recognized
// failure becomes a status in the response header; nothing unwinds past
// the worker.
func (s *Service) HandleRPC(op common.Opcode, body []byte) (resp []byte) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("handler for %s panicked: %v", op, r)
			resp = common.EncodeResponse(common.StatusInternalError, nil)
		}
	}()
	switch op {
	case common.OpOpenTable:
		return s.handleOpenTable(body)
	case common.OpCreateTable:
		return s.handleCreateTable(body)
	case common.OpDropTable:
		return s.handleDropTable(body)
	case common.OpCreate:
		return s.handleCreate(body)
	case common.OpRead:
		return s.handleRead(body)
	case common.OpWrite:
		return s.handleWrite(body)
	case common.OpRemove:
		return s.handleRemove(body)
	case common.OpMultiRead:
		return s.handleMultiRead(body)
	case common.OpSetTablets:
		return s.handleSetTablets(body)
	case common.OpRecover:
		return s.handleRecover(body)
	default:
		Logger.Warningf("master service got unknown opcode %d", op)
		return common.EncodeResponse(common.StatusInternalError, nil)
	}
}

func decodeFailure(err error) []byte {
	if err == common.ErrMessageTooShort {
		return common.EncodeResponse(common.StatusMessageTooShort, nil)
	}
	return common.EncodeResponse(common.StatusInternalError, nil)
}

func (s *Service) handleOpenTable(body []byte) []byte {
	var req common.OpenTableRequest
	if err := req.Decode(body); err != nil {
		return decodeFailure(err)
	}
	id, st := s.OpenTable(context.Background(), req.Name)
	if st != common.StatusOK {
		return common.EncodeResponse(st, nil)
	}
	return common.EncodeResponse(st, &common.OpenTableResponse{TableID: id})
}

func (s *Service) handleCreateTable(body []byte) []byte {
	var req common.CreateTableRequest
	if err := req.Decode(body); err != nil {
		return decodeFailure(err)
	}
	return common.EncodeResponse(s.CreateTable(context.Background(), req.Name), nil)
}

func (s *Service) handleDropTable(body []byte) []byte {
	var req common.DropTableRequest
	if err := req.Decode(body); err != nil {
		return decodeFailure(err)
	}
	return common.EncodeResponse(s.DropTable(context.Background(), req.Name), nil)
}

func (s *Service) handleCreate(body []byte) []byte {
	var req common.CreateRequest
	if err := req.Decode(body); err != nil {
		return decodeFailure(err)
	}
	id, version, st := s.Create(req.TableID, req.Data)
	if st != common.StatusOK {
		return common.EncodeResponse(st, nil)
	}
	return common.EncodeResponse(st, &common.CreateResponse{ObjectID: id, Version: version})
}

// Read, write, and remove replies carry the version even on rejection so
// the caller learns what version it lost against.

func (s *Service) handleRead(body []byte) []byte {
	var req common.ReadRequest
	if err := req.Decode(body); err != nil {
		return decodeFailure(err)
	}
	data, version, st := s.Read(req.TableID, req.ObjectID, req.Rules)
	return common.EncodeResponse(st, &common.ReadResponse{Version: version, Data: data})
}

func (s *Service) handleWrite(body []byte) []byte {
	var req common.WriteRequest
	if err := req.Decode(body); err != nil {
		return decodeFailure(err)
	}
	version, st := s.Write(req.TableID, req.ObjectID, req.Data, req.Rules)
	return common.EncodeResponse(st, &common.WriteResponse{Version: version})
}

func (s *Service) handleRemove(body []byte) []byte {
	var req common.RemoveRequest
	if err := req.Decode(body); err != nil {
		return decodeFailure(err)
	}
	version, st := s.Remove(req.TableID, req.ObjectID, req.Rules)
	return common.EncodeResponse(st, &common.RemoveResponse{Version: version})
}

func (s *Service) handleMultiRead(body []byte) []byte {
	var req common.MultiReadRequest
	if err := req.Decode(body); err != nil {
		return decodeFailure(err)
	}
	results := s.MultiRead(req.Requests)
	return common.EncodeResponse(common.StatusOK, &common.MultiReadResponse{Results: results})
}

func (s *Service) handleSetTablets(body []byte) []byte {
	var req common.SetTabletsRequest
	if err := req.Decode(body); err != nil {
		return decodeFailure(err)
	}
	s.SetTablets(req.Tablets)
	return common.EncodeResponse(common.StatusOK, &common.SetTabletsResponse{})
}

func (s *Service) handleRecover(body []byte) []byte {
	var req common.RecoverRequest
	if err := req.Decode(body); err != nil {
		return decodeFailure(err)
	}
	st := s.Recover(req.CrashedMasterID, req.PartitionID, req.Tablets, req.Backups)
	return common.EncodeResponse(st, nil)
}
