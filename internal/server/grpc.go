package server

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/ingestion"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"
	"MarginLedger/internal/query"
	"MarginLedger/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "marginledger.v1.MarginAdmin"

	// CallerHeader carries the caller's address. It is trusted as is; the
	// listener is expected to sit behind an authenticating proxy.
	CallerHeader = "x-caller-address"
)

// Deps holds everything the gRPC and HTTP handlers need.
type Deps struct {
	DB        *sql.DB
	Query     *query.QueryService
	Ingest    *ingestion.GRPCIngestService
	Snapshots *persistence.SnapshotManager
	Admin     common.Address

	// Snapshot captures and stores a snapshot, returning its sequence.
	Snapshot func(ctx context.Context) (int64, error)

	Health  *observability.HealthChecker
	Metrics http.Handler
	Log     zerolog.Logger
}

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	deps       *Deps
	log        zerolog.Logger
}

// NewGRPCServer creates a server with the admin service, health and
// reflection registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *Deps) *GRPCServer {
	log := deps.Log.With().Str("component", "server").Logger()

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(log)))
	grpcServer.RegisterService(&adminServiceDesc, &adminService{deps: deps})

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		deps:       deps,
		log:        log,
	}
}

// SetServing flips the admin service's gRPC health status once recovery is
// complete.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

// GRPC exposes the underlying server, e.g. for in-process listeners.
func (s *GRPCServer) GRPC() *grpc.Server {
	return s.grpcServer
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON API, health and metrics until ctx is
// cancelled.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// MarginAdmin service
// ============================================================================

// Requests and responses are google.protobuf.Struct so the service needs no
// generated stubs. Field names are snake_case like the NATS payloads.

type adminServer interface {
	call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
}

type adminMethod func(s *adminService, ctx context.Context, in *structpb.Struct) (any, error)

var adminMethods = map[string]adminMethod{
	"SubmitEvent":           (*adminService).submitEvent,
	"InjectDeposit":         (*adminService).injectDeposit,
	"InjectWithdrawal":      (*adminService).injectWithdrawal,
	"GetAccount":            (*adminService).getAccount,
	"GetLiquidationHistory": (*adminService).getLiquidationHistory,
	"GetOrderStatus":        (*adminService).getOrderStatus,
	"GetSettings":           (*adminService).getSettings,
	"VerifyIntegrity":       (*adminService).verifyIntegrity,
	"RebuildProjections":    (*adminService).rebuildProjections,
	"TakeSnapshot":          (*adminService).takeSnapshot,
	"GetEventLogInfo":       (*adminService).getEventLogInfo,
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*adminServer)(nil),
	Methods:     methodDescs(),
	Streams:     []grpc.StreamDesc{},
	Metadata:    "marginledger/v1/admin.proto",
}

func methodDescs() []grpc.MethodDesc {
	names := []string{
		"SubmitEvent", "InjectDeposit", "InjectWithdrawal",
		"GetAccount", "GetLiquidationHistory", "GetOrderStatus", "GetSettings",
		"VerifyIntegrity", "RebuildProjections", "TakeSnapshot", "GetEventLogInfo",
	}
	descs := make([]grpc.MethodDesc, len(names))
	for i, name := range names {
		descs[i] = grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name)}
	}
	return descs
}

func unaryHandler(method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(adminServer)
		if interceptor == nil {
			return s.call(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return s.call(ctx, method, req.(*structpb.Struct))
		})
	}
}

type adminService struct {
	deps *Deps
}

func (s *adminService) call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	m, ok := adminMethods[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
	}
	out, err := m(s, ctx, in)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(out)
}

func (s *adminService) submitEvent(ctx context.Context, in *structpb.Struct) (any, error) {
	eventType := str(in, "event_type")
	payload := in.GetFields()["payload"].GetStructValue()
	if eventType == "" || payload == nil {
		return nil, status.Error(codes.InvalidArgument, "event_type and payload are required")
	}
	raw, err := protojson.Marshal(payload)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "payload: %v", err)
	}

	caller, _ := callerFrom(ctx)
	var callerPtr *common.Address
	if caller != (common.Address{}) {
		callerPtr = &caller
	}

	evt, err := s.deps.Ingest.Submit(ctx, eventType, raw, callerPtr)
	if err != nil {
		return nil, err
	}
	return map[string]any{"accepted": true, "idempotency_key": evt.IdempotencyKey()}, nil
}

func (s *adminService) injectDeposit(ctx context.Context, in *structpb.Struct) (any, error) {
	return s.inject(ctx, in, s.deps.Ingest.InjectDeposit)
}

func (s *adminService) injectWithdrawal(ctx context.Context, in *structpb.Struct) (any, error) {
	return s.inject(ctx, in, s.deps.Ingest.InjectWithdrawal)
}

func (s *adminService) inject(
	ctx context.Context,
	in *structpb.Struct,
	fn func(context.Context, common.Address, string, int64) (uuid.UUID, error),
) (any, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	owner, err := address(in, "owner")
	if err != nil {
		return nil, err
	}
	asset := str(in, "asset")
	if asset == "" {
		return nil, status.Error(codes.InvalidArgument, "asset is required")
	}
	amount, err := fpmath.ParseAmount(str(in, "amount"))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "amount: %v", err)
	}
	id, err := fn(ctx, owner, asset, amount)
	if err != nil {
		return nil, err
	}
	return map[string]any{"accepted": true, "id": id.String()}, nil
}

func (s *adminService) getAccount(ctx context.Context, in *structpb.Struct) (any, error) {
	account, err := address(in, "account")
	if err != nil {
		return nil, err
	}
	return s.deps.Query.GetAccount(ctx, account)
}

func (s *adminService) getLiquidationHistory(ctx context.Context, in *structpb.Struct) (any, error) {
	account, err := address(in, "account")
	if err != nil {
		return nil, err
	}
	var before *int64
	if v, ok := in.GetFields()["before_sequence"]; ok {
		seq := int64(v.GetNumberValue())
		before = &seq
	}
	history, err := s.deps.Query.GetLiquidationHistory(ctx, account, int(num(in, "limit")), before)
	if err != nil {
		return nil, err
	}
	return map[string]any{"liquidations": history}, nil
}

func (s *adminService) getOrderStatus(ctx context.Context, in *structpb.Struct) (any, error) {
	h := str(in, "order_hash")
	if len(common.FromHex(h)) != common.HashLength {
		return nil, status.Error(codes.InvalidArgument, "order_hash must be 32 bytes of hex")
	}
	return s.deps.Query.GetOrderStatus(ctx, common.HexToHash(h))
}

func (s *adminService) getSettings(ctx context.Context, _ *structpb.Struct) (any, error) {
	return s.deps.Query.GetSettings(ctx)
}

func (s *adminService) verifyIntegrity(ctx context.Context, _ *structpb.Struct) (any, error) {
	return s.deps.Query.VerifyIntegrity(ctx)
}

func (s *adminService) rebuildProjections(ctx context.Context, _ *structpb.Struct) (any, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if err := projection.RebuildProjections(ctx, s.deps.DB, s.deps.Log); err != nil {
		return nil, fmt.Errorf("rebuild failed: %w", err)
	}
	return map[string]any{"rebuilt": true}, nil
}

func (s *adminService) takeSnapshot(ctx context.Context, _ *structpb.Struct) (any, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if s.deps.Snapshot == nil {
		return nil, status.Error(codes.Unavailable, "snapshots are not configured")
	}
	seq, err := s.deps.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sequence": seq}, nil
}

func (s *adminService) getEventLogInfo(ctx context.Context, _ *structpb.Struct) (any, error) {
	seq, err := s.deps.Snapshots.GetLatestSequence(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"last_sequence": seq}, nil
}

func (s *adminService) requireAdmin(ctx context.Context) error {
	caller, ok := callerFrom(ctx)
	if !ok {
		return status.Errorf(codes.Unauthenticated, "%s metadata is required", CallerHeader)
	}
	if caller != s.deps.Admin {
		return status.Error(codes.PermissionDenied, "caller is not the admin")
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func callerFrom(ctx context.Context) (common.Address, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return common.Address{}, false
	}
	vals := md.Get(CallerHeader)
	if len(vals) == 0 || !common.IsHexAddress(vals[0]) {
		return common.Address{}, false
	}
	return common.HexToAddress(vals[0]), true
}

func str(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func num(in *structpb.Struct, key string) float64 {
	return in.GetFields()[key].GetNumberValue()
}

func address(in *structpb.Struct, key string) (common.Address, error) {
	v := str(in, key)
	if !common.IsHexAddress(v) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "%s must be a hex address", key)
	}
	return common.HexToAddress(v), nil
}

// toStruct converts a JSON-tagged response into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ingestion.ErrMalformedEvent), errors.Is(err, ingestion.ErrAmountNotPositive):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, state.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, core.ErrOutOfOrder):
		return status.Error(codes.Aborted, err.Error())
	}
	if reason := core.RejectReason(err); reason != "invalid" {
		return status.Errorf(codes.FailedPrecondition, "%s: %v", reason, err)
	}
	return status.Error(codes.Internal, err.Error())
}

func loggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("took", time.Since(start)).
			Msg("grpc request")
		return resp, err
	}
}
