package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tetralith/advpatch/tensor"
)

// ONNX TensorProto field numbers and the FLOAT element type, from
// onnx.proto. The patch is a single constant tensor, so a full graph
// export is unnecessary: downstream tooling loads the TensorProto
// directly.
const (
	onnxFieldDims     = 1
	onnxFieldDataType = 2
	onnxFieldFloats   = 4
	onnxFieldName     = 8
	onnxFieldRawData  = 9

	onnxDataTypeFloat = 1
)

// ONNXExporter writes a trained patch as an ONNX TensorProto.
type ONNXExporter struct{}

// NewONNXExporter creates a new ONNX exporter.
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportPatch writes the checkpoint's patch to path as a TensorProto
// with the given tensor name.
func (oe *ONNXExporter) ExportPatch(c *Checkpoint, name, path string) error {
	data, err := marshalTensorProto(c.Patch, name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

// marshalTensorProto encodes a patch as TensorProto wire bytes: dims,
// FLOAT data type, name, and little-endian raw data.
func marshalTensorProto(pt PatchTensor, name string) ([]byte, error) {
	if len(pt.Shape) == 0 {
		return nil, fmt.Errorf("patch shape is empty")
	}
	elems := 1
	for _, dim := range pt.Shape {
		if dim <= 0 {
			return nil, fmt.Errorf("patch shape %v has non-positive dimension", pt.Shape)
		}
		elems *= dim
	}
	if elems != len(pt.Data) {
		return nil, fmt.Errorf("patch has %d values, shape %v needs %d", len(pt.Data), pt.Shape, elems)
	}

	var buf []byte
	for _, dim := range pt.Shape {
		buf = protowire.AppendTag(buf, onnxFieldDims, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(dim))
	}
	buf = protowire.AppendTag(buf, onnxFieldDataType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, onnxDataTypeFloat)
	buf = protowire.AppendTag(buf, onnxFieldName, protowire.BytesType)
	buf = protowire.AppendString(buf, name)

	raw := make([]byte, 4*len(pt.Data))
	for i, v := range pt.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	buf = protowire.AppendTag(buf, onnxFieldRawData, protowire.BytesType)
	buf = protowire.AppendBytes(buf, raw)

	return buf, nil
}

// ONNXImporter reads a patch back from an ONNX TensorProto file.
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer.
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportPatch reads a TensorProto file and reconstructs the patch
// tensor and its name.
func (oi *ONNXImporter) ImportPatch(path string) (*tensor.Tensor, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read ONNX file: %w", err)
	}

	pt, name, err := unmarshalTensorProto(data)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse ONNX tensor: %w", err)
	}

	patch, err := tensor.New(pt.Shape, tensor.Float32, pt.Data)
	if err != nil {
		return nil, "", err
	}
	return patch, name, nil
}

// unmarshalTensorProto decodes TensorProto wire bytes. It accepts both
// raw_data and float_data encodings, and both packed and unpacked dims,
// so tensors written by other ONNX producers load too.
func unmarshalTensorProto(data []byte) (PatchTensor, string, error) {
	var pt PatchTensor
	var name string
	var dataType uint64

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return pt, "", protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == onnxFieldDims && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return pt, "", protowire.ParseError(n)
			}
			pt.Shape = append(pt.Shape, int(v))
			data = data[n:]

		case num == onnxFieldDims && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return pt, "", protowire.ParseError(n)
			}
			data = data[n:]
			for len(packed) > 0 {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return pt, "", protowire.ParseError(n)
				}
				pt.Shape = append(pt.Shape, int(v))
				packed = packed[n:]
			}

		case num == onnxFieldDataType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return pt, "", protowire.ParseError(n)
			}
			dataType = v
			data = data[n:]

		case num == onnxFieldFloats && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return pt, "", protowire.ParseError(n)
			}
			pt.Data = append(pt.Data, math.Float32frombits(v))
			data = data[n:]

		case num == onnxFieldFloats && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return pt, "", protowire.ParseError(n)
			}
			data = data[n:]
			for len(packed) > 0 {
				v, n := protowire.ConsumeFixed32(packed)
				if n < 0 {
					return pt, "", protowire.ParseError(n)
				}
				pt.Data = append(pt.Data, math.Float32frombits(v))
				packed = packed[n:]
			}

		case num == onnxFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return pt, "", protowire.ParseError(n)
			}
			name = string(v)
			data = data[n:]

		case num == onnxFieldRawData && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return pt, "", protowire.ParseError(n)
			}
			data = data[n:]
			if len(raw)%4 != 0 {
				return pt, "", fmt.Errorf("raw tensor data length %d is not a multiple of 4", len(raw))
			}
			pt.Data = make([]float32, len(raw)/4)
			for i := range pt.Data {
				pt.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return pt, "", protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	if dataType != onnxDataTypeFloat {
		return pt, "", fmt.Errorf("tensor data type %d is not FLOAT", dataType)
	}
	if len(pt.Shape) == 0 {
		return pt, "", fmt.Errorf("tensor has no dimensions")
	}
	elems := 1
	for _, dim := range pt.Shape {
		if dim <= 0 {
			return pt, "", fmt.Errorf("tensor shape %v has non-positive dimension", pt.Shape)
		}
		elems *= dim
	}
	if elems != len(pt.Data) {
		return pt, "", fmt.Errorf("tensor has %d values, shape %v needs %d", len(pt.Data), pt.Shape, elems)
	}

	return pt, name, nil
}
