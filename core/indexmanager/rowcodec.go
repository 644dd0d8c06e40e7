package indexmanager

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
)

var rowMarshal = proto.MarshalOptions{Deterministic: true}

// encodeRow serializes a normalized row as a protobuf Struct. Integers are
// stored as decimal strings and blobs as base64 so no value loses precision
// in the Struct's float64 numbers.
func encodeRow(def *TableDef, row Row) ([]byte, error) {
	fields := make(map[string]*structpb.Value, len(row))
	for _, c := range def.Columns {
		v := row[c.Name]
		if v == nil {
			continue
		}
		switch x := v.(type) {
		case int64:
			fields[c.Name] = structpb.NewStringValue(strconv.FormatInt(x, 10))
		case float64:
			fields[c.Name] = structpb.NewNumberValue(x)
		case string:
			fields[c.Name] = structpb.NewStringValue(x)
		case []byte:
			fields[c.Name] = structpb.NewStringValue(base64.StdEncoding.EncodeToString(x))
		case bool:
			fields[c.Name] = structpb.NewBoolValue(x)
		default:
			return nil, fmt.Errorf("%w: column %s holds unsupported %T", flushmanager.ErrSerialization, c.Name, v)
		}
	}
	data, err := rowMarshal.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flushmanager.ErrSerialization, err)
	}
	return data, nil
}

// decodeRow restores a row written by encodeRow. Every column of def is
// present in the result; absent values are nil.
func decodeRow(def *TableDef, data []byte) (Row, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: row of table %s: %v", flushmanager.ErrDeserialization, def.Name, err)
	}
	row := make(Row, len(def.Columns))
	for _, c := range def.Columns {
		pv, ok := s.Fields[c.Name]
		if !ok {
			row[c.Name] = nil
			continue
		}
		v, err := decodeValue(c.Type, pv)
		if err != nil {
			return nil, fmt.Errorf("%w: column %s.%s: %v", flushmanager.ErrDeserialization, def.Name, c.Name, err)
		}
		row[c.Name] = v
	}
	return row, nil
}

func decodeValue(t ColumnType, pv *structpb.Value) (any, error) {
	if _, isNull := pv.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	switch t {
	case TypeInteger:
		return strconv.ParseInt(pv.GetStringValue(), 10, 64)
	case TypeReal:
		return pv.GetNumberValue(), nil
	case TypeText:
		return pv.GetStringValue(), nil
	case TypeBlob:
		return base64.StdEncoding.DecodeString(pv.GetStringValue())
	case TypeBoolean:
		return pv.GetBoolValue(), nil
	}
	return nil, fmt.Errorf("unknown column type %q", t)
}
