package client

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/fabricd/api"
	"pkt.systems/fabricd/internal/proto"
	"pkt.systems/pslog"
)

// Session is one connection to the daemon. Requests on a session are
// serialised; use separate sessions for concurrent work.
type Session struct {
	lib    *Library
	id     xid.ID
	target Target
	logger pslog.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	dead   error
}

// ID returns the client-side session id used in logs.
func (s *Session) ID() string {
	return s.id.String()
}

// Target returns the daemon address of the session.
func (s *Session) Target() Target {
	return s.target
}

// GetSupportedFabricPartitions fills out with the partitions the daemon can
// activate. out.Version must be api.FabricPartitionListVersion. out is only
// written on success.
func (s *Session) GetSupportedFabricPartitions(ctx context.Context, out *api.FabricPartitionList) error {
	const op = "get_supported_fabric_partitions"
	if out == nil {
		return api.NewError(api.StatusBadParam, op, "nil output")
	}
	return s.query(ctx, op, proto.OpGetSupportedPartitions, out.Version, api.FabricPartitionListVersion, out)
}

// GetUnsupportedFabricPartitions fills out with the partitions this host
// cannot activate.
func (s *Session) GetUnsupportedFabricPartitions(ctx context.Context, out *api.UnsupportedFabricPartitionList) error {
	const op = "get_unsupported_fabric_partitions"
	if out == nil {
		return api.NewError(api.StatusBadParam, op, "nil output")
	}
	return s.query(ctx, op, proto.OpGetUnsupportedPartitions, out.Version, api.UnsupportedFabricPartitionListVersion, out)
}

// GetNvlinkFailedDevices fills out with the GPUs and switches that have
// failed NVLink ports.
func (s *Session) GetNvlinkFailedDevices(ctx context.Context, out *api.NvlinkFailedDevices) error {
	const op = "get_nvlink_failed_devices"
	if out == nil {
		return api.NewError(api.StatusBadParam, op, "nil output")
	}
	return s.query(ctx, op, proto.OpGetNvlinkFailedDevices, out.Version, api.NvlinkFailedDevicesVersion, out)
}

// ActivateFabricPartition trains the NVLinks of id and makes it active.
func (s *Session) ActivateFabricPartition(ctx context.Context, id api.PartitionID) error {
	_, err := s.call(ctx, "activate_fabric_partition", proto.Frame{
		Op:      proto.OpActivatePartition,
		Payload: proto.EncodePartitionID(id),
	})
	return err
}

// ActivateFabricPartitionWithVFs activates id and binds vfs to its member
// GPUs in order. One VF per member is required.
func (s *Session) ActivateFabricPartitionWithVFs(ctx context.Context, id api.PartitionID, vfs []api.PciDevice) error {
	const op = "activate_fabric_partition_with_vfs"
	if len(vfs) == 0 {
		return api.NewError(api.StatusBadParam, op, "no virtual functions")
	}
	payload, err := api.ActivateWithVFsRequest{PartitionID: id, VFs: vfs}.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = s.call(ctx, op, proto.Frame{Op: proto.OpActivatePartitionWithVFs, Payload: payload})
	return err
}

// DeactivateFabricPartition tears down id. A partition that is not active
// fails with UNINITIALIZED.
func (s *Session) DeactivateFabricPartition(ctx context.Context, id api.PartitionID) error {
	_, err := s.call(ctx, "deactivate_fabric_partition", proto.Frame{
		Op:      proto.OpDeactivatePartition,
		Payload: proto.EncodePartitionID(id),
	})
	return err
}

// SetActivatedFabricPartitions replays the activated partition set to a
// daemon started in restart mode.
func (s *Session) SetActivatedFabricPartitions(ctx context.Context, list *api.ActivatedFabricPartitionList) error {
	const op = "set_activated_fabric_partitions"
	if list == nil {
		return api.NewError(api.StatusBadParam, op, "nil partition list")
	}
	payload, err := list.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = s.call(ctx, op, proto.Frame{Op: proto.OpSetActivatedPartitions, Payload: payload})
	return err
}

// query fetches a versioned block and decodes it into out. Decoding leaves
// out untouched on failure.
func (s *Session) query(ctx context.Context, op string, code proto.Opcode, have, want uint32, out encoding.BinaryUnmarshaler) error {
	if have != want {
		return api.Errorf(api.StatusVersionMismatch, op, "output version %#x, want %#x", have, want)
	}
	payload, err := s.call(ctx, op, proto.Frame{Op: code, Payload: proto.EncodeVersionTag(want)})
	if err != nil {
		return err
	}
	return out.UnmarshalBinary(payload)
}

// call performs one request/response exchange. Transport failures kill the
// session; later calls fail with CONNECTION_NOT_VALID.
func (s *Session) call(ctx context.Context, op string, req proto.Frame) ([]byte, error) {
	if s == nil {
		return nil, api.NewError(api.StatusBadParam, op, "nil session")
	}
	if !s.lib.Initialized() {
		return nil, api.NewError(api.StatusUninitialized, op, "library not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, api.Errorf(api.StatusTimeout, op, "%v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, api.NewError(api.StatusBadParam, op, "session is closed")
	}
	if s.dead != nil {
		return nil, api.Errorf(api.StatusConnectionNotValid, op, "session lost: %v", s.dead)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(deadline)
	} else {
		_ = s.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Unix(1, 0))
	})
	resp, err := exchange(s.conn, req)
	interrupted := !stop()
	if err == nil && interrupted {
		err = ctx.Err()
	}
	if err != nil {
		s.dead = err
		_ = s.conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.logger.Debug("client.request.timeout", "op", op, "error", err)
			return nil, api.Errorf(api.StatusTimeout, op, "%v", ctxErr)
		}
		s.logger.Warn("client.session.lost", "op", op, "error", err)
		return nil, api.Errorf(api.StatusConnectionNotValid, op, "%v", err)
	}
	if err := resp.Err(); err != nil {
		var apiErr *api.Error
		if errors.As(err, &apiErr) {
			apiErr.Op = op
		}
		return nil, err
	}
	return resp.Payload, nil
}

// exchange writes req and reads its response. A returned error is a transport
// failure or protocol violation; failures reported by the daemon are carried
// in the response status.
func exchange(conn net.Conn, req proto.Frame) (proto.Frame, error) {
	if err := proto.WriteFrame(conn, req); err != nil {
		return proto.Frame{}, err
	}
	resp, err := proto.ReadFrame(conn)
	if err != nil {
		return proto.Frame{}, err
	}
	if !resp.IsResponse() || resp.Op != req.Op {
		return proto.Frame{}, fmt.Errorf("protocol: %s frame in response to %s", resp.Op, req.Op)
	}
	return resp, nil
}

// goodbye ends the session politely and closes the transport.
func (s *Session) goodbye() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.dead == nil {
		_ = s.conn.SetDeadline(time.Now().Add(time.Second))
		_, _ = exchange(s.conn, proto.Frame{Op: proto.OpGoodbye})
	}
	_ = s.conn.Close()
}

// shutdown force-closes the transport without waiting for an in-flight
// request.
func (s *Session) shutdown() {
	_ = s.conn.Close()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
