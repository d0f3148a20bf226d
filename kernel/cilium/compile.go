// Package cilium implements kernel.Facility on top of github.com/cilium/ebpf,
// compiling templated C program text at runtime with clang the way BCC's
// BPF(text=...) constructor does, rather than requiring a pre-generated
// bpf2go object for a fixed probe set. The JIT step is the Go-native
// reading of BCC's historical approach: Python bcc shells out to
// clang/LLVM internally too.
package cilium

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// CompilerConfig controls how program text is turned into an ELF object.
type CompilerConfig struct {
	ClangPath      string
	LLVMStripPath  string
	IncludeDirs    []string
	ExtraCFlags    []string
}

// DefaultCompilerConfig mirrors the toolchain invocation BCC performs
// internally (clang -target bpf, O2, kernel headers on the include path).
func DefaultCompilerConfig() CompilerConfig {
	return CompilerConfig{
		ClangPath:     "clang",
		LLVMStripPath: "llvm-strip",
		IncludeDirs:   []string{"/usr/include", "/usr/include/bcc/compat"},
		ExtraCFlags:   []string{"-O2", "-g", "-Wno-unused-value", "-Wno-pointer-sign"},
	}
}

// compileToObject writes programText to a temp .c file and invokes clang to
// produce a stripped BPF ELF object, returning its path. The caller is
// responsible for removing the containing directory.
func compileToObject(cfg CompilerConfig, probeName, programText string) (string, string, error) {
	workDir, err := os.MkdirTemp("", "pidtree-bcc-"+probeName+"-")
	if err != nil {
		return "", "", fmt.Errorf("create compile workdir: %w", err)
	}

	srcPath := filepath.Join(workDir, probeName+".c")
	if err := os.WriteFile(srcPath, []byte(programText), 0o600); err != nil {
		os.RemoveAll(workDir)
		return "", "", fmt.Errorf("write program source: %w", err)
	}

	objPath := filepath.Join(workDir, probeName+".o")
	args := []string{"-target", "bpf", "-c", srcPath, "-o", objPath}
	args = append(args, cfg.ExtraCFlags...)
	for _, dir := range cfg.IncludeDirs {
		args = append(args, "-I"+dir)
	}

	cmd := exec.Command(cfg.ClangPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(workDir)
		return "", "", fmt.Errorf("clang compile %s: %w: %s", probeName, err, out)
	}

	strip := exec.Command(cfg.LLVMStripPath, "-g", objPath)
	if out, err := strip.CombinedOutput(); err != nil {
		os.RemoveAll(workDir)
		return "", "", fmt.Errorf("llvm-strip %s: %w: %s", probeName, err, out)
	}

	return objPath, workDir, nil
}
