package engine

// LlamaBuilt reports whether this binary carries the go-llama.cpp engine.
func LlamaBuilt() bool { return llamaBuilt }
