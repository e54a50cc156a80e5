package can

import (
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"isobus-core/internal/models"
)

const (
	canRawProtocol = 1
	solCanRaw      = 101
	canRawFilter   = 1

	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
	canErrFlag = 0x20000000

	frameSize = 16 // struct can_frame
)

// SocketCAN reads and writes raw frames on a Linux SocketCAN channel.
// Bitrate is a property of the link itself (ip link set ... type can
// bitrate N); the driver only binds to it.
type SocketCAN struct {
	mu      sync.Mutex
	socket  int
	channel string
	state   models.DriverState
	faults  faultCounter
}

// OpenSocketCAN binds a raw CAN socket to the named channel.
func OpenSocketCAN(channel string, faultThreshold int) (*SocketCAN, error) {
	d := &SocketCAN{
		channel: channel,
		state:   models.DriverOpening,
		faults:  newFaultCounter(faultThreshold),
	}

	socket, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, canRawProtocol)
	if err != nil {
		d.state = models.DriverClosed
		return nil, fmt.Errorf("failed to create CAN socket: %w", err)
	}

	ifreq, err := unix.NewIfreq(channel)
	if err != nil {
		unix.Close(socket)
		d.state = models.DriverClosed
		return nil, fmt.Errorf("failed to create ifreq: %w", err)
	}
	if err := unix.IoctlIfreq(socket, unix.SIOCGIFINDEX, ifreq); err != nil {
		unix.Close(socket)
		d.state = models.DriverClosed
		return nil, fmt.Errorf("failed to get interface index for %s: %w", channel, err)
	}

	addr := &unix.SockaddrCAN{Ifindex: int(ifreq.Uint32())}
	if err := unix.Bind(socket, addr); err != nil {
		unix.Close(socket)
		d.state = models.DriverClosed
		return nil, fmt.Errorf("failed to bind socket to %s: %w", channel, err)
	}

	d.socket = socket
	d.state = models.DriverOpen
	return d, nil
}

// Recv waits up to timeout for the next frame.
func (d *SocketCAN) Recv(timeout time.Duration) (models.CANFrame, error) {
	d.mu.Lock()
	if d.state != models.DriverOpen {
		d.mu.Unlock()
		return models.CANFrame{}, ErrNotOpen
	}
	fd := d.socket
	d.mu.Unlock()

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		return models.CANFrame{}, d.ioError(fmt.Errorf("poll: %w", err))
	}
	if n == 0 {
		return models.CANFrame{}, ErrTimeout
	}

	buf := make([]byte, frameSize)
	n, err = unix.Read(fd, buf)
	if err != nil {
		return models.CANFrame{}, d.ioError(fmt.Errorf("read: %w", err))
	}
	if n < frameSize {
		return models.CANFrame{}, d.ioError(fmt.Errorf("incomplete CAN frame: %d bytes", n))
	}

	id := binary.LittleEndian.Uint32(buf[0:4])
	if id&canErrFlag != 0 {
		return models.CANFrame{}, d.ioError(fmt.Errorf("error frame 0x%X", id))
	}

	frame := models.CANFrame{
		Extended:  id&canEffFlag != 0,
		DLC:       buf[4],
		Timestamp: time.Now().UTC(),
	}
	if frame.Extended {
		frame.ID = id & models.MaxExtID
	} else {
		frame.ID = id & models.MaxStdID
	}
	copy(frame.Data[:], buf[8:16])

	d.mu.Lock()
	d.faults.ok()
	d.mu.Unlock()
	return frame, nil
}

// Send writes a frame in the struct can_frame layout.
func (d *SocketCAN) Send(frame models.CANFrame) error {
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	d.mu.Lock()
	if d.state != models.DriverOpen {
		d.mu.Unlock()
		return ErrNotOpen
	}
	fd := d.socket
	d.mu.Unlock()

	id := frame.ID
	if frame.Extended {
		id |= canEffFlag
	}
	buf := make([]byte, frameSize)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = frame.DLC
	copy(buf[8:16], frame.Data[:])

	if _, err := unix.Write(fd, buf); err != nil {
		return d.ioError(fmt.Errorf("write: %w", err))
	}
	d.mu.Lock()
	d.faults.ok()
	d.mu.Unlock()
	return nil
}

// ioError records a failure and trips the driver into Faulted once the
// consecutive-failure threshold is crossed.
func (d *SocketCAN) ioError(cause error) error {
	d.mu.Lock()
	if d.faults.fail() && d.state == models.DriverOpen {
		d.state = models.DriverFaulted
	}
	d.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrIOFailure, cause)
}

// State returns the driver lifecycle state.
func (d *SocketCAN) State() models.DriverState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reset closes and reopens the socket, clearing the fault counter. Only the
// pool's health checker calls this.
func (d *SocketCAN) Reset() error {
	d.mu.Lock()
	channel := d.channel
	threshold := d.faults.threshold
	if d.state == models.DriverOpen || d.state == models.DriverFaulted {
		unix.Close(d.socket)
	}
	d.state = models.DriverClosed
	d.mu.Unlock()

	fresh, err := OpenSocketCAN(channel, threshold)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.socket = fresh.socket
	d.faults = fresh.faults
	d.state = models.DriverOpen
	d.mu.Unlock()
	return nil
}

// Channel returns the bound channel name.
func (d *SocketCAN) Channel() string {
	return d.channel
}

// Close releases the socket.
func (d *SocketCAN) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == models.DriverClosed {
		return nil
	}
	d.state = models.DriverClosing
	err := unix.Close(d.socket)
	d.state = models.DriverClosed
	return err
}

// SetFilter installs kernel-side CAN ID filters (exact match).
func (d *SocketCAN) SetFilter(ids []uint32) error {
	if len(ids) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != models.DriverOpen {
		return ErrNotOpen
	}

	// struct can_filter: 4 bytes id, 4 bytes mask.
	buf := make([]byte, len(ids)*8)
	for i, id := range ids {
		off := i * 8
		binary.LittleEndian.PutUint32(buf[off:], id)
		binary.LittleEndian.PutUint32(buf[off+4:], 0xFFFFFFFF)
	}

	_, _, errno := syscall.Syscall6(
		syscall.SYS_SETSOCKOPT,
		uintptr(d.socket),
		uintptr(solCanRaw),
		uintptr(canRawFilter),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("failed to set filter: %v", errno)
	}
	return nil
}
