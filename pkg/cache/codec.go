package cache

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode serializes a field for byte oriented backends. Values must be
// representable as protobuf Values: numbers come back as float64.
func Encode(f Field) ([]byte, error) {
	v, err := structpb.NewValue(f.Value)
	if err != nil {
		return nil, fmt.Errorf("encode field: %w", err)
	}
	msg := &structpb.Struct{Fields: map[string]*structpb.Value{
		"absent": structpb.NewBoolValue(f.Absent),
		"value":  v,
	}}
	return proto.Marshal(msg)
}

func Decode(b []byte) (Field, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(b, &msg); err != nil {
		return Field{}, fmt.Errorf("decode field: %w", err)
	}
	f := Field{Absent: msg.GetFields()["absent"].GetBoolValue()}
	if v, ok := msg.GetFields()["value"]; ok {
		f.Value = v.AsInterface()
	}
	return f, nil
}
