// Package server exposes an IndexService over gRPC.
//
// Requests and responses are google.protobuf.Struct messages, so any gRPC
// client can drive the API without generated stubs:
//
//	/revindex.Index/Index        {branch, documents, commit, tags}
//	/revindex.Index/Delete       {branch, ids, query, commit}
//	/revindex.Index/Commit       {branch, tags}
//	/revindex.Index/Rollback     {branch}
//	/revindex.Index/Search       {branch, query, limit, sort, reverse}
//	/revindex.Index/Count        {branch, query}
//	/revindex.Index/Group        {branch, query, field}
//	/revindex.Index/Lookup       {branch, id}
//	/revindex.Index/CreateBranch {branch, tags}
//	/revindex.Index/Reopen       {branch, physical}
//	/revindex.Index/Purgeable    {branch}
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/golang/glog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matteso1/revindex/internal/branch"
	"github.com/matteso1/revindex/internal/index"
	"github.com/matteso1/revindex/internal/indexsvc"
	"github.com/matteso1/revindex/internal/metrics"
	"github.com/matteso1/revindex/internal/storage"
)

// ServiceName is the gRPC service name of the index API.
const ServiceName = "revindex.Index"

// errBadRequest marks malformed request fields.
var errBadRequest = errors.New("bad request")

// Server serves one IndexService. It does not own the service; callers
// dispose it after Stop.
type Server struct {
	svc     *indexsvc.IndexService
	metrics *metrics.Metrics
	grpc    *grpc.Server
}

type handler func(s *Server, req *structpb.Struct) (map[string]any, error)

var handlers = map[string]handler{
	"Index":        (*Server).index,
	"Delete":       (*Server).delete,
	"Commit":       (*Server).commit,
	"Rollback":     (*Server).rollback,
	"Search":       (*Server).search,
	"Count":        (*Server).count,
	"Group":        (*Server).group,
	"Lookup":       (*Server).lookup,
	"CreateBranch": (*Server).createBranch,
	"Reopen":       (*Server).reopen,
	"Purgeable":    (*Server).purgeable,
}

// api is the interface grpc checks registered implementations against.
type api interface {
	call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
}

func serviceDesc() *grpc.ServiceDesc {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*api)(nil),
		Metadata:    "revindex/index.proto",
	}
	for _, name := range names {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name)})
	}
	return desc
}

func unaryHandler(method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(structpb.Struct)
		if err := dec(req); err != nil {
			return nil, err
		}
		impl := srv.(api)
		if interceptor == nil {
			return impl.call(ctx, method, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
			return impl.call(ctx, method, req.(*structpb.Struct))
		})
	}
}

// NewServer creates a server for svc. m may be nil.
func NewServer(svc *indexsvc.IndexService, m *metrics.Metrics) *Server {
	s := &Server{svc: svc, metrics: m}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logCalls))
	s.grpc.RegisterService(serviceDesc(), s)
	return s
}

// Start listens on addr and serves until Stop.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	glog.Infof("[server] listening on %s", lis.Addr())
	return s.Serve(lis)
}

// Serve serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := next(ctx, req)
	if err != nil {
		s.metrics.RecordError()
		glog.Warningf("[server] %s failed after %s: %v", info.FullMethod, time.Since(start), err)
	} else {
		glog.V(2).Infof("[server] %s took %s", info.FullMethod, time.Since(start))
	}
	return resp, err
}

func (s *Server) call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	h, ok := handlers[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	out, err := h(s, req)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return resp, nil
}

func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, branch.ErrInvalidPath):
		code = codes.InvalidArgument
	case errors.Is(err, indexsvc.ErrBranchExists):
		code = codes.AlreadyExists
	case errors.Is(err, indexsvc.ErrReadOnly), errors.Is(err, indexsvc.ErrNotPopulated):
		code = codes.FailedPrecondition
	case errors.Is(err, indexsvc.ErrClosed), errors.Is(err, storage.ErrAlreadyClosed):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func (s *Server) index(req *structpb.Struct) (map[string]any, error) {
	p, err := branchField(req)
	if err != nil {
		return nil, err
	}
	var docs []index.Document
	for i, v := range req.Fields["documents"].GetListValue().GetValues() {
		st := v.GetStructValue()
		if st == nil {
			return nil, fmt.Errorf("%w: document %d is not an object", errBadRequest, i)
		}
		doc, err := decodeDocument(st)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		docs = append(docs, doc)
	}
	if err := s.svc.Index(p, docs...); err != nil {
		return nil, err
	}
	out := map[string]any{"indexed": float64(len(docs))}
	if req.Fields["commit"].GetBoolValue() {
		c, err := s.svc.CommitWithTags(p, tagsField(req))
		if err != nil {
			return nil, err
		}
		out["commit"] = commitInfo(c)
	}
	return out, nil
}

func (s *Server) delete(req *structpb.Struct) (map[string]any, error) {
	p, err := branchField(req)
	if err != nil {
		return nil, err
	}
	ids := stringList(req.Fields["ids"])
	if len(ids) > 0 {
		if err := s.svc.Delete(p, ids...); err != nil {
			return nil, err
		}
	}
	if src := req.Fields["query"].GetStringValue(); src != "" {
		q, err := parseQuery(src)
		if err != nil {
			return nil, err
		}
		if err := s.svc.DeleteQuery(p, q); err != nil {
			return nil, err
		}
	}
	if req.Fields["commit"].GetBoolValue() {
		if err := s.svc.Commit(p); err != nil {
			return nil, err
		}
	}
	return map[string]any{}, nil
}

func (s *Server) commit(req *structpb.Struct) (map[string]any, error) {
	p, err := branchField(req)
	if err != nil {
		return nil, err
	}
	c, err := s.svc.CommitWithTags(p, tagsField(req))
	if err != nil {
		return nil, err
	}
	return map[string]any{"commit": commitInfo(c)}, nil
}

func (s *Server) rollback(req *structpb.Struct) (map[string]any, error) {
	p, err := branchField(req)
	if err != nil {
		return nil, err
	}
	return map[string]any{}, s.svc.Rollback(p)
}

func (s *Server) search(req *structpb.Struct) (map[string]any, error) {
	p, err := branchField(req)
	if err != nil {
		return nil, err
	}
	q, err := parseQuery(req.Fields["query"].GetStringValue())
	if err != nil {
		return nil, err
	}
	limit := 10
	if v, ok := req.Fields["limit"]; ok {
		limit = int(v.GetNumberValue())
	}
	var sortField *index.SortField
	if field := req.Fields["sort"].GetStringValue(); field != "" {
		sortField = &index.SortField{Field: field, Reverse: req.Fields["reverse"].GetBoolValue()}
	}
	top, err := s.svc.Search(p, q, limit, sortField)
	if err != nil {
		return nil, err
	}
	hits := make([]any, len(top.Hits))
	for i, h := range top.Hits {
		hits[i] = encodeDocument(h.Doc)
	}
	return map[string]any{"totalHits": float64(top.TotalHits), "hits": hits}, nil
}

func (s *Server) count(req *structpb.Struct) (map[string]any, error) {
	p, err := branchField(req)
	if err != nil {
		return nil, err
	}
	q, err := parseQuery(req.Fields["query"].GetStringValue())
	if err != nil {
		return nil, err
	}
	n, err := s.svc.Count(p, q)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": float64(n)}, nil
}

func (s *Server) group(req *structpb.Struct) (map[string]any, error) {
	p, err := branchField(req)
	if err != nil {
		return nil, err
	}
	field := req.Fields["field"].GetStringValue()
	if field == "" {
		return nil, fmt.Errorf("%w: field is required", errBadRequest)
	}
	q, err := parseQuery(req.Fields["query"].GetStringValue())
	if err != nil {
		return nil, err
	}
	groups, err := s.svc.Group(p, q, field)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(groups))
	for value, ids := range groups {
		out[value] = anyList(ids)
	}
	return map[string]any{"groups": out}, nil
}

func (s *Server) lookup(req *structpb.Struct) (map[string]any, error) {
	p, err := branchField(req)
	if err != nil {
		return nil, err
	}
	id := req.Fields["id"].GetStringValue()
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", errBadRequest)
	}
	doc, ok, err := s.svc.Lookup(p, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{"found": false}, nil
	}
	return map[string]any{"found": true, "document": encodeDocument(doc)}, nil
}

func (s *Server) createBranch(req *structpb.Struct) (map[string]any, error) {
	p, err := branchField(req)
	if err != nil {
		return nil, err
	}
	if err := s.svc.CreateBranch(p, tagsField(req)); err != nil {
		return nil, err
	}
	return map[string]any{"physical": s.svc.Registry().Physical(p).String()}, nil
}

func (s *Server) reopen(req *structpb.Struct) (map[string]any, error) {
	p, err := branchField(req)
	if err != nil {
		return nil, err
	}
	physical, err := s.svc.Reopen(p, branch.PhysicalPath(req.Fields["physical"].GetStringValue()))
	if err != nil {
		return nil, err
	}
	return map[string]any{"physical": physical.String()}, nil
}

func (s *Server) purgeable(req *structpb.Struct) (map[string]any, error) {
	p, err := branchField(req)
	if err != nil {
		return nil, err
	}
	ok, err := s.svc.Purgeable(p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"purgeable": ok}, nil
}

func branchField(req *structpb.Struct) (branch.Path, error) {
	v, ok := req.Fields["branch"]
	if !ok {
		return branch.Main, nil
	}
	return branch.Parse(v.GetStringValue())
}

func tagsField(req *structpb.Struct) map[string]string {
	st := req.Fields["tags"].GetStructValue()
	if st == nil || len(st.Fields) == 0 {
		return nil
	}
	tags := make(map[string]string, len(st.Fields))
	for k, v := range st.Fields {
		tags[k], _ = scalarString(v)
	}
	return tags
}

func parseQuery(src string) (index.Query, error) {
	if src == "" {
		return index.MatchAll{}, nil
	}
	q, err := index.NewExprQuery(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return q, nil
}

// decodeDocument reads a document object. The identifier comes first and the
// remaining fields follow in name order.
func decodeDocument(st *structpb.Struct) (index.Document, error) {
	id, ok := scalarString(st.Fields[index.IDField])
	if !ok || id == "" {
		return index.Document{}, fmt.Errorf("%w: missing %s", errBadRequest, index.IDField)
	}
	doc := index.NewDocument(id)
	names := make([]string, 0, len(st.Fields))
	for name := range st.Fields {
		if name != index.IDField {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		v := st.Fields[name]
		if list := v.GetListValue(); list != nil {
			for _, e := range list.GetValues() {
				s, ok := scalarString(e)
				if !ok {
					return doc, fmt.Errorf("%w: field %q holds a non-scalar", errBadRequest, name)
				}
				doc = doc.Add(name, s)
			}
			continue
		}
		if _, null := v.GetKind().(*structpb.Value_NullValue); null {
			continue
		}
		s, ok := scalarString(v)
		if !ok {
			return doc, fmt.Errorf("%w: field %q holds a non-scalar", errBadRequest, name)
		}
		doc = doc.Add(name, s)
	}
	return doc, nil
}

// encodeDocument renders single-valued fields as strings and repeated ones
// as lists.
func encodeDocument(doc index.Document) map[string]any {
	out := make(map[string]any)
	for _, f := range doc.Fields {
		switch prev := out[f.Name].(type) {
		case nil:
			out[f.Name] = f.Value
		case string:
			out[f.Name] = []any{prev, f.Value}
		case []any:
			out[f.Name] = append(prev, f.Value)
		}
	}
	return out
}

func commitInfo(c *index.CommitPoint) map[string]any {
	return map[string]any{
		"id":         c.ID().String(),
		"generation": float64(c.Generation()),
		"docs":       float64(c.NumDocs()),
	}
}

func scalarString(v *structpb.Value) (string, bool) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue, true
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64), true
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue), true
	default:
		return "", false
	}
}

func stringList(v *structpb.Value) []string {
	var out []string
	for _, e := range v.GetListValue().GetValues() {
		if s, ok := scalarString(e); ok {
			out = append(out, s)
		}
	}
	return out
}

func anyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
