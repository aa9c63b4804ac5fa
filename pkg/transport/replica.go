// Package transport carries replica traffic between peers and storage
// requests between federations over gRPC.
package transport

import (
	"context"

	"fedstore/pkg/dht"
	"fedstore/pkg/storage"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ReplicaServiceName is the gRPC service peers use to hold each other's
// replicas
const ReplicaServiceName = "fedstore.replica.v1.Replica"

// Metadata keys attached to every call
const (
	mdNamespace     = "x-fedstore-namespace"
	mdKey           = "x-fedstore-key"
	mdSenderID      = "x-fedstore-sender-id"
	mdSenderAddress = "x-fedstore-sender-address"
	mdSenderFed     = "x-fedstore-sender-federation"
	mdRequester     = "x-fedstore-requester"
	mdAccess        = "x-fedstore-access"
	mdPolicy        = "x-fedstore-policy-bin"
)

func replicaMethod(name string) string {
	return "/" + ReplicaServiceName + "/" + name
}

// replicaServer serves the local store to peers
type replicaServer struct {
	store     storage.Store
	onContact func(dht.PeerRecord)
	logger    *zap.Logger
}

// RegisterReplicaServer exposes store on s. onContact, when set, is called
// with the sender of every request that identifies itself, so peers learn
// about each other from traffic.
func RegisterReplicaServer(s *grpc.Server, store storage.Store, onContact func(dht.PeerRecord), logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s.RegisterService(&replicaServiceDesc, &replicaServer{
		store:     store,
		onContact: onContact,
		logger:    logger,
	})
}

func firstValue(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// target reads the namespace and key of a request and reports the sender
func (s *replicaServer) target(ctx context.Context, needKey bool) (namespace, key string, err error) {
	md, _ := metadata.FromIncomingContext(ctx)
	namespace = firstValue(md, mdNamespace)
	key = firstValue(md, mdKey)
	if namespace == "" || (needKey && key == "") {
		return "", "", status.Error(codes.InvalidArgument, "namespace and key metadata are required")
	}
	s.contact(md)
	return namespace, key, nil
}

func (s *replicaServer) contact(md metadata.MD) {
	if s.onContact == nil {
		return
	}
	id, err := dht.ParseNodeIdentifier(firstValue(md, mdSenderID))
	if err != nil {
		return
	}
	addr := firstValue(md, mdSenderAddress)
	if addr == "" {
		return
	}
	s.onContact(dht.PeerRecord{
		ID:           id,
		Address:      addr,
		FederationID: firstValue(md, mdSenderFed),
	})
}

func (s *replicaServer) Store(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	ns, key, err := s.target(ctx, true)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ns, key, req.GetValue()); err != nil {
		s.logger.Warn("Failed to store replica", zap.String("key", key), zap.Error(err))
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *replicaServer) Fetch(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	ns, key, err := s.target(ctx, true)
	if err != nil {
		return nil, err
	}
	value, err := s.store.Get(ns, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(value), nil
}

func (s *replicaServer) Remove(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	ns, key, err := s.target(ctx, true)
	if err != nil {
		return nil, err
	}
	if err := s.store.Delete(ns, key); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *replicaServer) Contains(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	ns, key, err := s.target(ctx, true)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.Contains(ns, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(ok), nil
}

func (s *replicaServer) Ping(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	s.contact(md)
	return &emptypb.Empty{}, nil
}

// unaryMethod adapts one typed handler to the grpc.MethodDesc signature
func unaryMethod[S any, Req any, Resp any](service, name string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(S)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + service + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

var replicaServiceDesc = grpc.ServiceDesc{
	ServiceName: ReplicaServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(ReplicaServiceName, "Store", (*replicaServer).Store),
		unaryMethod(ReplicaServiceName, "Fetch", (*replicaServer).Fetch),
		unaryMethod(ReplicaServiceName, "Remove", (*replicaServer).Remove),
		unaryMethod(ReplicaServiceName, "Contains", (*replicaServer).Contains),
		unaryMethod(ReplicaServiceName, "Ping", (*replicaServer).Ping),
	},
	Metadata: "fedstore/replica/v1/replica.proto",
}
