// Package cuda contains wrapper functions for the Cuda runtime and cuDNN api.
//
// The wrappers are only compiled with the cuda build tag, which needs the Cuda toolkit and cuDNN
// installed under /usr/local/cuda.
package cuda
