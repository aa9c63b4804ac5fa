package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fedstore/pkg/federation"
	"fedstore/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// StorageServiceName is the gRPC service a federation exposes so other
// federations' routers can delegate to its engine
const StorageServiceName = "fedstore.storage.v1.FederationStorage"

func storageMethod(name string) string {
	return "/" + StorageServiceName + "/" + name
}

// Backend is the storage a federation serves to its partners
type Backend interface {
	Put(ctx context.Context, key string, value []byte, policy *federation.DataAccessPolicy) (*federation.DataLocation, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	CheckAccess(ctx context.Context, key string, access types.AccessType) (bool, error)
	Federation() types.FederationID
}

type storageServer struct {
	backend Backend
	logger  *zap.Logger
}

// RegisterStorageServer exposes backend on s. The requesting federation
// is taken from call metadata.
func RegisterStorageServer(s *grpc.Server, backend Backend, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s.RegisterService(&storageServiceDesc, &storageServer{backend: backend, logger: logger})
}

// request extracts the key and requester of an incoming call
func (s *storageServer) request(ctx context.Context) (context.Context, metadata.MD, string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	key := firstValue(md, mdKey)
	if key == "" {
		return nil, nil, "", status.Error(codes.InvalidArgument, "key metadata is required")
	}
	requester := firstValue(md, mdRequester)
	if requester == "" {
		return nil, nil, "", status.Error(codes.InvalidArgument, "requester metadata is required")
	}
	return federation.WithRequester(ctx, types.FederationID(requester)), md, key, nil
}

func (s *storageServer) Put(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	ctx, md, key, err := s.request(ctx)
	if err != nil {
		return nil, err
	}

	var policy *federation.DataAccessPolicy
	if raw := firstValue(md, mdPolicy); raw != "" {
		policy = &federation.DataAccessPolicy{}
		if err := json.Unmarshal([]byte(raw), policy); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid policy: %v", err)
		}
	}

	loc, err := s.backend.Put(ctx, key, req.GetValue(), policy)
	if err != nil {
		s.logger.Debug("Remote put failed", zap.String("key", key), zap.Error(err))
		return nil, toStatus(err)
	}
	data, err := json.Marshal(loc)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(data), nil
}

func (s *storageServer) Get(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	ctx, _, key, err := s.request(ctx)
	if err != nil {
		return nil, err
	}
	value, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(value), nil
}

func (s *storageServer) Delete(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	ctx, _, key, err := s.request(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *storageServer) CheckAccess(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	ctx, md, key, err := s.request(ctx)
	if err != nil {
		return nil, err
	}
	access, err := types.ParseAccessType(firstValue(md, mdAccess))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ok, err := s.backend.CheckAccess(ctx, key, access)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(ok), nil
}

var storageServiceDesc = grpc.ServiceDesc{
	ServiceName: StorageServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(StorageServiceName, "Put", (*storageServer).Put),
		unaryMethod(StorageServiceName, "Get", (*storageServer).Get),
		unaryMethod(StorageServiceName, "Delete", (*storageServer).Delete),
		unaryMethod(StorageServiceName, "CheckAccess", (*storageServer).CheckAccess),
	},
	Metadata: "fedstore/storage/v1/storage.proto",
}

// RemoteStorage is a partner federation's engine reached over gRPC. It
// satisfies the router's Storage interface.
type RemoteStorage struct {
	client     *Client
	federation types.FederationID
	endpoints  []string

	// local is the requester used when the context carries none
	local types.FederationID
}

// FederationStorage returns a proxy for fed served at endpoints, tried in
// order. Calls without a requester in their context act as local.
func (c *Client) FederationStorage(fed, local types.FederationID, endpoints []string) *RemoteStorage {
	return &RemoteStorage{
		client:     c,
		federation: fed,
		endpoints:  append([]string(nil), endpoints...),
		local:      local,
	}
}

// Federation returns the remote federation id
func (r *RemoteStorage) Federation() types.FederationID {
	return r.federation
}

func (r *RemoteStorage) requester(ctx context.Context) string {
	if fed, ok := federation.RequesterFromContext(ctx); ok {
		return fed.String()
	}
	return r.local.String()
}

// call tries each endpoint until one answers without a network failure
func (r *RemoteStorage) call(ctx context.Context, method string, req, resp proto.Message, key string, kv ...string) error {
	if len(r.endpoints) == 0 {
		return fmt.Errorf("federation %s has no endpoints: %w", r.federation, types.ErrRouteNotFound)
	}
	kv = append(kv, mdKey, key, mdRequester, r.requester(ctx))

	var err error
	for _, endpoint := range r.endpoints {
		err = r.client.invoke(ctx, endpoint, method, req, resp, kv...)
		if err == nil || !errors.Is(err, types.ErrNetwork) {
			return err
		}
		r.client.logger.Debug("Federation endpoint unreachable",
			zap.String("federation", r.federation.String()),
			zap.String("endpoint", endpoint),
			zap.Error(err))
	}
	return err
}

// Put stores value in the remote federation
func (r *RemoteStorage) Put(ctx context.Context, key string, value []byte, policy *federation.DataAccessPolicy) (*federation.DataLocation, error) {
	var kv []string
	if policy != nil {
		data, err := json.Marshal(policy)
		if err != nil {
			return nil, err
		}
		kv = append(kv, mdPolicy, string(data))
	}

	resp := &wrapperspb.BytesValue{}
	if err := r.call(ctx, storageMethod("Put"), wrapperspb.Bytes(value), resp, key, kv...); err != nil {
		return nil, err
	}
	var loc federation.DataLocation
	if err := json.Unmarshal(resp.GetValue(), &loc); err != nil {
		return nil, fmt.Errorf("invalid location from %s: %w", r.federation, err)
	}
	return &loc, nil
}

// Get reads key from the remote federation
func (r *RemoteStorage) Get(ctx context.Context, key string) ([]byte, error) {
	resp := &wrapperspb.BytesValue{}
	if err := r.call(ctx, storageMethod("Get"), &emptypb.Empty{}, resp, key); err != nil {
		return nil, err
	}
	return resp.GetValue(), nil
}

// Delete removes key from the remote federation
func (r *RemoteStorage) Delete(ctx context.Context, key string) error {
	return r.call(ctx, storageMethod("Delete"), &emptypb.Empty{}, &emptypb.Empty{}, key)
}

// CheckAccess asks the remote federation whether the requester may perform
// access on key
func (r *RemoteStorage) CheckAccess(ctx context.Context, key string, access types.AccessType) (bool, error) {
	resp := &wrapperspb.BoolValue{}
	if err := r.call(ctx, storageMethod("CheckAccess"), &emptypb.Empty{}, resp, key, mdAccess, access.String()); err != nil {
		return false, err
	}
	return resp.GetValue(), nil
}
