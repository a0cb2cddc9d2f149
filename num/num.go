// Package num contains numeric Array processing routines for forward inference on a CPU or GPU device.
package num

import (
	"fmt"
)

type opcode int

const (
	opWrite opcode = iota
	opRead
	opFill
	opCopy
	opAxpy
	opFprop
)

var opName = map[opcode]string{
	opWrite: "write",
	opRead:  "read",
	opFill:  "fill",
	opCopy:  "copy",
	opAxpy:  "axpy",
	opFprop: "fprop",
}

// Function which may be called via the queue
type Function *args

type args struct {
	op    opcode
	alpha float32
	host  []float32
	a, b  Array
	layer Layer
	desc  string
}

// Read data from array into a slice.
func Read(a Array, data []float32) Function {
	if len(data) < a.Size() {
		panic(fmt.Sprintf("Read: slice length %d < array size %d", len(data), a.Size()))
	}
	return &args{op: opRead, a: a, host: data}
}

// Write data from a slice into the given array.
func Write(a Array, data []float32) Function {
	if len(data) != a.Size() {
		panic(fmt.Sprintf("Write: slice length %d != array size %d", len(data), a.Size()))
	}
	return &args{op: opWrite, a: a, host: data}
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return &args{op: opFill, a: a, alpha: scalar}
}

// Copy from src to dst, arrays must have the same number of elements
func Copy(dst, src Array) Function {
	if dst.Size() != src.Size() {
		panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", src.Dims(), dst.Dims()))
	}
	return &args{op: opCopy, a: dst, b: src}
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if !SameShape(x.Dims(), y.Dims()) {
		panic("Axpy: arrays must be same shape")
	}
	return &args{op: opAxpy, alpha: alpha, a: x, b: y}
}

// Forward propagation from the layer's source array to its destination
func Fprop(layer Layer) Function {
	if layer.Src() == nil {
		panic("Fprop: " + layer.Type() + " layer has no input set")
	}
	return &args{op: opFprop, layer: layer, desc: layer.Type() + "_fprop"}
}

func opDesc(arg Function) string {
	if arg.desc != "" {
		return arg.desc
	}
	return opName[arg.op]
}
