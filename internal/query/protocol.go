// Package query serves point lookups of order state over a length-framed
// binary protocol.
package query

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown  Operation = 0
	OperationPing     Operation = 1
	OperationGetOrder Operation = 2
	OperationHealth   Operation = 3
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeNotFound        ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
)

type QueryRequest struct {
	RequestId string      `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string      `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32       `protobuf:"varint,3,opt,name=operation,proto3"`
	GetOrder  *OrderQuery `protobuf:"bytes,4,opt,name=get_order,json=getOrder,proto3"`
}

func (*QueryRequest) Reset()         {}
func (*QueryRequest) String() string { return "QueryRequest" }
func (*QueryRequest) ProtoMessage()  {}

type OrderQuery struct {
	OrderId int64 `protobuf:"varint,1,opt,name=order_id,json=orderId,proto3"`
}

func (*OrderQuery) Reset()         {}
func (*OrderQuery) String() string { return "OrderQuery" }
func (*OrderQuery) ProtoMessage()  {}

type QueryResponse struct {
	RequestId    string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32           `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string          `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Order        *OrderStatus    `protobuf:"bytes,4,opt,name=order,proto3"`
	Pong         *PongResponse   `protobuf:"bytes,5,opt,name=pong,proto3"`
	Health       *HealthResponse `protobuf:"bytes,6,opt,name=health,proto3"`
}

func (*QueryResponse) Reset()         {}
func (*QueryResponse) String() string { return "QueryResponse" }
func (*QueryResponse) ProtoMessage()  {}

type OrderStatus struct {
	Found          bool   `protobuf:"varint,1,opt,name=found,proto3"`
	OrderId        int64  `protobuf:"varint,2,opt,name=order_id,json=orderId,proto3"`
	Status         string `protobuf:"bytes,3,opt,name=status,proto3"`
	Reason         string `protobuf:"bytes,4,opt,name=reason,proto3"`
	UpdatedAtUtcNs int64  `protobuf:"varint,5,opt,name=updated_at_utc_ns,json=updatedAtUtcNs,proto3"`
	Event          []byte `protobuf:"bytes,6,opt,name=event,proto3"`
}

func (*OrderStatus) Reset()         {}
func (*OrderStatus) String() string { return "OrderStatus" }
func (*OrderStatus) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*QueryRequest, error) {
	var req QueryRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*QueryResponse, error) {
	var res QueryResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *QueryRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if req.Operation == int32(OperationUnknown) {
		return fmt.Errorf("operation is required")
	}
	return nil
}
