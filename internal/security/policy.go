// Package security enforces the pre-execution static scan and the runtime
// syscall policy attached to sandbox leases.
package security

// EgressRule names an outbound host/port destination. Network egress is not
// currently supported: the sandbox always runs in a detached network
// namespace, and requests carrying egress rules are rejected up front rather
// than silently granted broader access than the rules describe.
type EgressRule struct {
	Host string `yaml:"host" json:"Host"`
	Port int    `yaml:"port" json:"Port"`
}

// RuntimePolicy is the per-lease isolation policy serialized into the
// sandbox init request. It must be re-applied on every lease acquisition.
type RuntimePolicy struct {
	// DefaultAction is the seccomp action for syscalls outside the
	// allowlist: "kill" terminates the offending process.
	DefaultAction string `json:"DefaultAction"`

	// SyscallAllowlist names the syscalls the sandboxed process may issue.
	SyscallAllowlist []string `json:"SyscallAllowlist"`
}

// baselineSyscalls is the minimal allowlist an interpreter needs to start,
// read/write its workspace and exit. Socket syscalls are deliberately absent.
var baselineSyscalls = []string{
	"read", "write", "readv", "writev", "pread64", "pwrite64",
	"open", "openat", "close", "stat", "fstat", "lstat", "newfstatat",
	"lseek", "dup", "dup2", "dup3", "fcntl", "ioctl", "pipe", "pipe2",
	"getdents64", "readlink", "readlinkat", "access", "faccessat",
	"mmap", "munmap", "mprotect", "mremap", "brk", "madvise",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	"clone", "fork", "vfork", "execve", "wait4", "exit", "exit_group",
	"getpid", "gettid", "getppid", "getuid", "geteuid", "getgid", "getegid",
	"getcwd", "chdir", "umask", "uname", "arch_prctl", "prctl",
	"set_tid_address", "set_robust_list", "futex", "sched_yield",
	"sched_getaffinity", "clock_gettime", "clock_getres", "gettimeofday",
	"nanosleep", "clock_nanosleep", "getrandom", "getrlimit", "prlimit64",
	"sysinfo", "rseq", "epoll_create1", "epoll_ctl", "epoll_wait", "poll",
	"ppoll", "select", "pselect6", "eventfd2", "statx", "unlink", "unlinkat",
	"mkdir", "mkdirat", "rename", "renameat", "ftruncate", "fchmod", "utimensat",
}

// DefaultPolicy returns the network-disabled baseline policy.
func DefaultPolicy() RuntimePolicy {
	allow := make([]string, len(baselineSyscalls))
	copy(allow, baselineSyscalls)
	return RuntimePolicy{
		DefaultAction:    "kill",
		SyscallAllowlist: allow,
	}
}

// Clone returns a deep copy so a reset instance never shares slices with the
// policy handed to a previous lease.
func (p RuntimePolicy) Clone() RuntimePolicy {
	out := p
	out.SyscallAllowlist = append([]string(nil), p.SyscallAllowlist...)
	return out
}
