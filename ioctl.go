//go:build linux

package katana

import (
	"syscall"
	"unsafe"
)

// ioctl performs a generic ioctl syscall.
func ioctl(fd uintptr, req uintptr, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return errno
	}

	return nil
}

// ioctlRet performs an ioctl syscall and returns its result value.
func ioctlRet(fd uintptr, req uintptr, arg uintptr) (int, error) {
	r, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return int(r), errno
	}

	return int(r), nil
}

// io builds an ioctl request code for a command with no data transfer.
func io(typ, nr uintptr) uintptr {
	const (
		iocNrbits    = 8
		iocTypebits  = 8
		iocSizebits  = 14
		iocNrshift   = 0
		iocTypeshift = iocNrshift + iocNrbits
		iocSizeshift = iocTypeshift + iocTypebits
		iocDirshift  = iocSizeshift + iocSizebits
		iocNone      = 0
	)

	return ((iocNone) << iocDirshift) | (typ << iocTypeshift) | (nr << iocNrshift) | (0 << iocSizeshift)
}

// iow builds an ioctl request code for a write-only operation.
func iow(typ, nr, size uintptr) uintptr {
	const (
		iocNrbits    = 8
		iocTypebits  = 8
		iocSizebits  = 14
		iocNrshift   = 0
		iocTypeshift = iocNrshift + iocNrbits
		iocSizeshift = iocTypeshift + iocTypebits
		iocDirshift  = iocSizeshift + iocSizebits
		iocWrite     = 1
	)

	return ((iocWrite) << iocDirshift) | (typ << iocTypeshift) | (nr << iocNrshift) | (size << iocSizeshift)
}

// ior builds a read-only ioctl request code.
func ior(typ, nr, size uintptr) uintptr {
	const (
		iocNrbits    = 8
		iocTypebits  = 8
		iocSizebits  = 14
		iocNrshift   = 0
		iocTypeshift = iocNrshift + iocNrbits
		iocSizeshift = iocTypeshift + iocTypebits
		iocDirshift  = iocSizeshift + iocSizebits
		iocRead      = 2
	)

	return ((iocRead) << iocDirshift) | (typ << iocTypeshift) | (nr << iocNrshift) | (size << iocSizeshift)
}

// iowr builds a read-write ioctl request code.
func iowr(typ, nr, size uintptr) uintptr {
	const (
		iocNrbits    = 8
		iocTypebits  = 8
		iocSizebits  = 14
		iocNrshift   = 0
		iocTypeshift = iocNrshift + iocNrbits
		iocSizeshift = iocTypeshift + iocTypebits
		iocDirshift  = iocSizeshift + iocSizebits
		iocRead      = 2
		iocWrite     = 1
	)

	return ((iocRead | iocWrite) << iocDirshift) | (typ << iocTypeshift) | (nr << iocNrshift) | (size << iocSizeshift)
}

var (
	// usbfs IOCTLs ('U' for USB)
	USBDEVFS_CONTROL          uintptr
	USBDEVFS_SETINTERFACE     uintptr
	USBDEVFS_CLAIMINTERFACE   uintptr
	USBDEVFS_RELEASEINTERFACE uintptr
	USBDEVFS_SUBMITURB        uintptr
	USBDEVFS_DISCARDURB       uintptr
	USBDEVFS_REAPURB          uintptr
	USBDEVFS_REAPURBNDELAY    uintptr
	USBDEVFS_RESET            uintptr
	USBDEVFS_DISCONNECT_CLAIM uintptr
)

func init() {
	USBDEVFS_CONTROL = iowr('U', 0, unsafe.Sizeof(usbfsCtrlTransfer{}))
	USBDEVFS_SETINTERFACE = ior('U', 4, unsafe.Sizeof(usbfsSetInterface{}))
	USBDEVFS_SUBMITURB = ior('U', 10, unsafe.Sizeof(usbfsURB{}))
	USBDEVFS_DISCARDURB = io('U', 11)
	USBDEVFS_REAPURB = iow('U', 12, unsafe.Sizeof(uintptr(0)))
	USBDEVFS_REAPURBNDELAY = iow('U', 13, unsafe.Sizeof(uintptr(0)))
	USBDEVFS_CLAIMINTERFACE = ior('U', 15, unsafe.Sizeof(uint32(0)))
	USBDEVFS_RELEASEINTERFACE = ior('U', 16, unsafe.Sizeof(uint32(0)))
	USBDEVFS_RESET = io('U', 20)
	USBDEVFS_DISCONNECT_CLAIM = ior('U', 27, unsafe.Sizeof(usbfsDisconnectClaim{}))
}
