// Package sys assembles the syscall windows: the UNIX-like table and
// the native table, installed once at kernel init and immutable
// afterwards.
package sys

// Default syscall numbers. Calls marked mandatory are present at the
// same index in every window, so a process can always reach them
// regardless of which ABI it currently presents.
const (
	SysNone    = 0x00
	SysExit    = 0x01
	SysWrite   = 0x02
	SysCross   = 0x03 // cross a border (mandatory)
	SysSigact  = 0x04
	SysQuery   = 0x05 // query a border (mandatory)
	SysSpawn   = 0x06
	SysMount   = 0x07
	SysOpen    = 0x08
	SysMuxtap  = 0x09
	SysGetargv = 0x0A
	SysReboot  = 0x0B
	SysWaitpid = 0x0C
	SysDmsio   = 0x0D
	SysRead    = 0x0E
	SysClose   = 0x0F
	SysLseek   = 0x10
	SysSlide   = 0x11 // slide the platform latch (mandatory)

	tableLen = SysSlide + 1
)
