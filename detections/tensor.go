package detections

import "fmt"

// Layout tags the memory order of an image tensor.
type Layout int

const (
	LayoutCHW Layout = iota
	LayoutHWC
)

func (l Layout) String() string {
	if l == LayoutHWC {
		return "HWC"
	}
	return "CHW"
}

// Tensor is a flat float32 buffer with its shape.
type Tensor struct {
	Shape  []int64
	Data   []float32
	Layout Layout
}

// NewTensor checks that data matches the element count of shape.
func NewTensor(shape []int64, data []float32) (Tensor, error) {
	n := elementCount(shape)
	if n != int64(len(data)) {
		return Tensor{}, fmt.Errorf("tensor shape %v needs %d values, got %d", shape, n, len(data))
	}
	return Tensor{Shape: append([]int64(nil), shape...), Data: data}, nil
}

func elementCount(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// RawOutput is an undecoded detector output.
type RawOutput struct {
	Dims []int64
	Data []float32
}

// RawFromTensor wraps an engine output tensor for decoding.
func RawFromTensor(t Tensor) RawOutput {
	return RawOutput{Dims: t.Shape, Data: t.Data}
}

// NormalizationScheme selects how 8-bit channel values become floats.
type NormalizationScheme int

const (
	NormalizeDivide NormalizationScheme = iota
	NormalizeMeanStd
)

// Normalization describes a per-call-site pixel normalization.
type Normalization struct {
	Scheme  NormalizationScheme
	Divisor float32
	Mean    [3]float32
	Std     [3]float32
}

// DivideBy255 scales 0..255 to 0..1.
func DivideBy255() Normalization {
	return Normalization{Scheme: NormalizeDivide, Divisor: 255}
}

// Standardize scales to 0..1 and then applies (v-mean)/std per channel.
func Standardize(mean, std [3]float32) Normalization {
	return Normalization{Scheme: NormalizeMeanStd, Mean: mean, Std: std}
}

// ImageNet is the usual mean/std standardization of torchvision models.
func ImageNet() Normalization {
	return Standardize([3]float32{0.485, 0.456, 0.406}, [3]float32{0.229, 0.224, 0.225})
}

func (n Normalization) apply(v uint8, channel int) float32 {
	switch n.Scheme {
	case NormalizeMeanStd:
		std := n.Std[channel]
		if std == 0 {
			std = 1
		}
		return (float32(v)/255.0 - n.Mean[channel]) / std
	default:
		d := n.Divisor
		if d == 0 {
			d = 255
		}
		return float32(v) / d
	}
}

// ParseNormalization maps a config name to a normalization.
func ParseNormalization(s string) (Normalization, error) {
	switch s {
	case "", "divide":
		return DivideBy255(), nil
	case "imagenet":
		return ImageNet(), nil
	case "half":
		return Standardize([3]float32{0.5, 0.5, 0.5}, [3]float32{0.5, 0.5, 0.5}), nil
	}
	return Normalization{}, fmt.Errorf("unknown normalization %q", s)
}
