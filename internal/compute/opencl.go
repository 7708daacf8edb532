//go:build opencl

package compute

/*
#cgo linux LDFLAGS: -lOpenCL
#cgo windows LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>

static cl_context seedscan_create_context(cl_platform_id platform, cl_device_id device, cl_int *err) {
	cl_context_properties props[3] = {CL_CONTEXT_PLATFORM, (cl_context_properties)platform, 0};
	return clCreateContext(props, 1, &device, NULL, NULL, err);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"math"
	"unsafe"

	"github.com/shizukutanaka/seedscan/internal/kernel"
)

type clError C.cl_int

var clErrorNames = map[clError]string{
	C.CL_DEVICE_NOT_FOUND:                "CL_DEVICE_NOT_FOUND",
	C.CL_DEVICE_NOT_AVAILABLE:            "CL_DEVICE_NOT_AVAILABLE",
	C.CL_COMPILER_NOT_AVAILABLE:          "CL_COMPILER_NOT_AVAILABLE",
	C.CL_MEM_OBJECT_ALLOCATION_FAILURE:   "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	C.CL_OUT_OF_RESOURCES:                "CL_OUT_OF_RESOURCES",
	C.CL_OUT_OF_HOST_MEMORY:              "CL_OUT_OF_HOST_MEMORY",
	C.CL_BUILD_PROGRAM_FAILURE:           "CL_BUILD_PROGRAM_FAILURE",
	C.CL_INVALID_VALUE:                   "CL_INVALID_VALUE",
	C.CL_INVALID_PLATFORM:                "CL_INVALID_PLATFORM",
	C.CL_INVALID_DEVICE:                  "CL_INVALID_DEVICE",
	C.CL_INVALID_CONTEXT:                 "CL_INVALID_CONTEXT",
	C.CL_INVALID_COMMAND_QUEUE:           "CL_INVALID_COMMAND_QUEUE",
	C.CL_INVALID_MEM_OBJECT:              "CL_INVALID_MEM_OBJECT",
	C.CL_INVALID_PROGRAM:                 "CL_INVALID_PROGRAM",
	C.CL_INVALID_PROGRAM_EXECUTABLE:      "CL_INVALID_PROGRAM_EXECUTABLE",
	C.CL_INVALID_KERNEL_NAME:             "CL_INVALID_KERNEL_NAME",
	C.CL_INVALID_KERNEL:                  "CL_INVALID_KERNEL",
	C.CL_INVALID_ARG_INDEX:               "CL_INVALID_ARG_INDEX",
	C.CL_INVALID_ARG_VALUE:               "CL_INVALID_ARG_VALUE",
	C.CL_INVALID_ARG_SIZE:                "CL_INVALID_ARG_SIZE",
	C.CL_INVALID_KERNEL_ARGS:             "CL_INVALID_KERNEL_ARGS",
	C.CL_INVALID_WORK_DIMENSION:          "CL_INVALID_WORK_DIMENSION",
	C.CL_INVALID_GLOBAL_WORK_SIZE:        "CL_INVALID_GLOBAL_WORK_SIZE",
	C.CL_INVALID_BUFFER_SIZE:             "CL_INVALID_BUFFER_SIZE",
	C.CL_EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST: "CL_EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST",
}

func (e clError) Error() string {
	if name, ok := clErrorNames[e]; ok {
		return name
	}
	return fmt.Sprintf("opencl error %d", int(e))
}

func clCheck(what string, code C.cl_int) error {
	if code == C.CL_SUCCESS {
		return nil
	}
	return fmt.Errorf("%s: %w", what, clError(code))
}

// deviceCount interprets the count query of clGetDeviceIDs. A platform
// without GPUs is not an error.
func deviceCount(code clError, n int) (int, error) {
	switch code {
	case C.CL_SUCCESS:
		return n, nil
	case C.CL_DEVICE_NOT_FOUND:
		return 0, nil
	}
	return 0, fmt.Errorf("clGetDeviceIDs: %w", code)
}

type openCLPlatform struct {
	id   C.cl_platform_id
	name string
}

// newOpenCLPlatform selects the first platform, like the default platform of
// most OpenCL runtimes.
func newOpenCLPlatform() (Platform, error) {
	var n C.cl_uint
	if err := clCheck("clGetPlatformIDs", C.clGetPlatformIDs(0, nil, &n)); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.New("opencl: no platforms")
	}
	ids := make([]C.cl_platform_id, n)
	if err := clCheck("clGetPlatformIDs", C.clGetPlatformIDs(n, &ids[0], nil)); err != nil {
		return nil, err
	}
	name, err := platformString(ids[0], C.CL_PLATFORM_NAME)
	if err != nil {
		return nil, err
	}
	return &openCLPlatform{id: ids[0], name: name}, nil
}

func (p *openCLPlatform) Name() string { return "opencl:" + p.name }

// Devices lists GPU devices only.
func (p *openCLPlatform) Devices() ([]Device, error) {
	var n C.cl_uint
	count, err := deviceCount(clError(C.clGetDeviceIDs(p.id, C.CL_DEVICE_TYPE_GPU, 0, nil, &n)), int(n))
	if err != nil || count == 0 {
		return nil, err
	}
	ids := make([]C.cl_device_id, n)
	if err := clCheck("clGetDeviceIDs", C.clGetDeviceIDs(p.id, C.CL_DEVICE_TYPE_GPU, n, &ids[0], nil)); err != nil {
		return nil, err
	}

	devs := make([]Device, 0, n)
	for i, id := range ids {
		name, err := deviceString(id, C.CL_DEVICE_NAME)
		if err != nil {
			return nil, err
		}
		devs = append(devs, &openCLDevice{index: i, id: id, platform: p.id, name: name})
	}
	return devs, nil
}

type openCLDevice struct {
	index    int
	id       C.cl_device_id
	platform C.cl_platform_id
	name     string
}

func (d *openCLDevice) Index() int   { return d.index }
func (d *openCLDevice) Name() string { return d.name }

// MaxLanes is bounded by size_t, the type of the global work size.
func (d *openCLDevice) MaxLanes() uint64 {
	if unsafe.Sizeof(C.size_t(0)) < 8 {
		return math.MaxUint32
	}
	return math.MaxInt
}

func (d *openCLDevice) Build(p *kernel.Program) (Context, error) {
	var code C.cl_int
	ctx := C.seedscan_create_context(d.platform, d.id, &code)
	if err := clCheck("clCreateContext", code); err != nil {
		return nil, err
	}

	src := C.CString(p.Source)
	defer C.free(unsafe.Pointer(src))
	length := C.size_t(len(p.Source))
	prog := C.clCreateProgramWithSource(ctx, 1, &src, &length, &code)
	if err := clCheck("clCreateProgramWithSource", code); err != nil {
		C.clReleaseContext(ctx)
		return nil, err
	}

	opts := C.CString("")
	defer C.free(unsafe.Pointer(opts))
	if code = C.clBuildProgram(prog, 1, &d.id, opts, nil, nil); code != C.CL_SUCCESS {
		log := buildLog(prog, d.id)
		C.clReleaseProgram(prog)
		C.clReleaseContext(ctx)
		return nil, fmt.Errorf("clBuildProgram: %w\n%s", clError(code), log)
	}

	queue := C.clCreateCommandQueue(ctx, d.id, 0, &code)
	if err := clCheck("clCreateCommandQueue", code); err != nil {
		C.clReleaseProgram(prog)
		C.clReleaseContext(ctx)
		return nil, err
	}

	return &openCLContext{ctx: ctx, prog: prog, queue: queue}, nil
}

type openCLContext struct {
	ctx   C.cl_context
	prog  C.cl_program
	queue C.cl_command_queue
}

func (c *openCLContext) CreateBuffer(size int) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("opencl: invalid buffer size %d", size)
	}
	zero := make([]byte, size)
	var code C.cl_int
	mem := C.clCreateBuffer(c.ctx, C.CL_MEM_WRITE_ONLY|C.CL_MEM_COPY_HOST_PTR, C.size_t(size), unsafe.Pointer(&zero[0]), &code)
	if err := clCheck("clCreateBuffer", code); err != nil {
		return nil, err
	}
	return &openCLBuffer{mem: mem, size: size}, nil
}

func (c *openCLContext) CreateKernel(name string) (Kernel, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var code C.cl_int
	k := C.clCreateKernel(c.prog, cname, &code)
	if err := clCheck("clCreateKernel", code); err != nil {
		return nil, err
	}
	return &openCLKernel{k: k}, nil
}

func (c *openCLContext) Dispatch(k Kernel, lanes uint64) error {
	ok, isCL := k.(*openCLKernel)
	if !isCL {
		return fmt.Errorf("opencl: foreign kernel %T", k)
	}
	global := C.size_t(lanes)
	if err := clCheck("clEnqueueNDRangeKernel", C.clEnqueueNDRangeKernel(c.queue, ok.k, 1, nil, &global, nil, 0, nil, nil)); err != nil {
		return err
	}
	return clCheck("clFinish", C.clFinish(c.queue))
}

func (c *openCLContext) ReadBuffer(b Buffer, dst []byte) error {
	ob, ok := b.(*openCLBuffer)
	if !ok {
		return fmt.Errorf("opencl: foreign buffer %T", b)
	}
	n := ob.size
	if len(dst) < n {
		n = len(dst)
	}
	if n == 0 {
		return nil
	}
	return clCheck("clEnqueueReadBuffer", C.clEnqueueReadBuffer(c.queue, ob.mem, C.CL_TRUE, 0, C.size_t(n), unsafe.Pointer(&dst[0]), 0, nil, nil))
}

func (c *openCLContext) Release() error {
	C.clReleaseCommandQueue(c.queue)
	C.clReleaseProgram(c.prog)
	return clCheck("clReleaseContext", C.clReleaseContext(c.ctx))
}

type openCLKernel struct {
	k C.cl_kernel
}

func (k *openCLKernel) SetArg(index int, value any) error {
	switch v := value.(type) {
	case uint64:
		arg := C.cl_ulong(v)
		return clCheck("clSetKernelArg", C.clSetKernelArg(k.k, C.cl_uint(index), C.size_t(unsafe.Sizeof(arg)), unsafe.Pointer(&arg)))
	case *openCLBuffer:
		mem := v.mem
		return clCheck("clSetKernelArg", C.clSetKernelArg(k.k, C.cl_uint(index), C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem)))
	default:
		return fmt.Errorf("opencl: unsupported argument type %T", value)
	}
}

func (k *openCLKernel) Release() error {
	return clCheck("clReleaseKernel", C.clReleaseKernel(k.k))
}

type openCLBuffer struct {
	mem  C.cl_mem
	size int
}

func (b *openCLBuffer) Size() int { return b.size }

func (b *openCLBuffer) Release() error {
	return clCheck("clReleaseMemObject", C.clReleaseMemObject(b.mem))
}

func platformString(id C.cl_platform_id, param C.cl_platform_info) (string, error) {
	var size C.size_t
	if err := clCheck("clGetPlatformInfo", C.clGetPlatformInfo(id, param, 0, nil, &size)); err != nil {
		return "", err
	}
	if size == 0 {
		return "", nil
	}
	buf := make([]byte, size)
	if err := clCheck("clGetPlatformInfo", C.clGetPlatformInfo(id, param, size, unsafe.Pointer(&buf[0]), nil)); err != nil {
		return "", err
	}
	return C.GoString((*C.char)(unsafe.Pointer(&buf[0]))), nil
}

func deviceString(id C.cl_device_id, param C.cl_device_info) (string, error) {
	var size C.size_t
	if err := clCheck("clGetDeviceInfo", C.clGetDeviceInfo(id, param, 0, nil, &size)); err != nil {
		return "", err
	}
	if size == 0 {
		return "", nil
	}
	buf := make([]byte, size)
	if err := clCheck("clGetDeviceInfo", C.clGetDeviceInfo(id, param, size, unsafe.Pointer(&buf[0]), nil)); err != nil {
		return "", err
	}
	return C.GoString((*C.char)(unsafe.Pointer(&buf[0]))), nil
}

func buildLog(prog C.cl_program, dev C.cl_device_id) string {
	var size C.size_t
	if C.clGetProgramBuildInfo(prog, dev, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetProgramBuildInfo(prog, dev, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return C.GoString((*C.char)(unsafe.Pointer(&buf[0])))
}
