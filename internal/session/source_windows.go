//go:build windows

package session

import (
	"context"
	"fmt"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/windows"
)

var (
	user32   = windows.NewLazySystemDLL("user32.dll")
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")
	wtsapi32 = windows.NewLazySystemDLL("wtsapi32.dll")

	procRegisterClassExW = user32.NewProc("RegisterClassExW")
	procCreateWindowExW  = user32.NewProc("CreateWindowExW")
	procDestroyWindow    = user32.NewProc("DestroyWindow")
	procDefWindowProcW   = user32.NewProc("DefWindowProcW")
	procGetMessageW      = user32.NewProc("GetMessageW")
	procDispatchMessageW = user32.NewProc("DispatchMessageW")
	procPostMessageW     = user32.NewProc("PostMessageW")
	procPostQuitMessage  = user32.NewProc("PostQuitMessage")
	procGetLastInputInfo = user32.NewProc("GetLastInputInfo")

	procGetTickCount = kernel32.NewProc("GetTickCount")

	procWTSRegisterSessionNotification   = wtsapi32.NewProc("WTSRegisterSessionNotification")
	procWTSUnRegisterSessionNotification = wtsapi32.NewProc("WTSUnRegisterSessionNotification")
)

const (
	wmClose            = 0x0010
	wmPowerBroadcast   = 0x0218
	wmWTSSessionChange = 0x02B1

	wtsSessionLock   = 0x7
	wtsSessionUnlock = 0x8

	pbtAPMSuspend         = 0x0004
	pbtAPMResumeSuspend   = 0x0007
	pbtAPMResumeAutomatic = 0x0012

	notifyForThisSession = 0

	// HWND_MESSAGE parents a message-only window.
	hwndMessage = ^uintptr(2)
)

type wndClassEx struct {
	Size       uint32
	Style      uint32
	WndProc    uintptr
	ClsExtra   int32
	WndExtra   int32
	Instance   windows.Handle
	Icon       windows.Handle
	Cursor     windows.Handle
	Background windows.Handle
	MenuName   *uint16
	ClassName  *uint16
	IconSm     windows.Handle
}

type msg struct {
	Hwnd    windows.HWND
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      struct{ X, Y int32 }
}

type lastInputInfo struct {
	Size uint32
	Time uint32
}

// winSource converts WTS session-change and power-broadcast window messages
// into session events, and polls GetLastInputInfo for the idle counter.
type winSource struct {
	poll time.Duration
}

func newPlatformSource(pollInterval time.Duration) (Source, error) {
	return &winSource{poll: pollInterval}, nil
}

// Run creates a hidden message-only window, registers it for session
// notifications, and pumps its message loop until ctx is cancelled. Failing
// to register the notification window is fatal; a failed idle poll is
// logged and skipped.
func (s *winSource) Run(ctx context.Context, out chan<- Event) error {
	// The message loop must stay on the thread that created the window.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	wndProc := syscall.NewCallback(func(hwnd windows.HWND, message uint32, wparam, lparam uintptr) uintptr {
		switch message {
		case wmWTSSessionChange:
			switch wparam {
			case wtsSessionLock:
				log.Debug().Msg("Session locked")
				emit(ctx, out, StateEvent(KindLocked))
			case wtsSessionUnlock:
				log.Debug().Msg("Session unlocked")
				emit(ctx, out, StateEvent(KindUnlocked))
			}
			return 0
		case wmPowerBroadcast:
			switch wparam {
			case pbtAPMSuspend:
				log.Debug().Msg("System entering sleep")
				emit(ctx, out, StateEvent(KindSuspending))
			case pbtAPMResumeSuspend, pbtAPMResumeAutomatic:
				log.Debug().Msg("System resumed from sleep")
				emit(ctx, out, StateEvent(KindResumed))
			}
			return 0
		case wmClose:
			procPostQuitMessage.Call(0)
			return 0
		}
		ret, _, _ := procDefWindowProcW.Call(uintptr(hwnd), uintptr(message), wparam, lparam)
		return ret
	})

	className, err := windows.UTF16PtrFromString("glowdSessionWindow")
	if err != nil {
		return err
	}

	wc := wndClassEx{
		Size:      uint32(unsafe.Sizeof(wndClassEx{})),
		WndProc:   wndProc,
		ClassName: className,
	}
	if atom, _, callErr := procRegisterClassExW.Call(uintptr(unsafe.Pointer(&wc))); atom == 0 {
		return fmt.Errorf("register window class: %w", callErr)
	}

	hwnd, _, callErr := procCreateWindowExW.Call(
		0,
		uintptr(unsafe.Pointer(className)),
		0,
		0,
		0, 0, 0, 0,
		hwndMessage,
		0, 0, 0,
	)
	if hwnd == 0 {
		return fmt.Errorf("create notification window: %w", callErr)
	}
	defer procDestroyWindow.Call(hwnd)

	if ok, _, callErr := procWTSRegisterSessionNotification.Call(hwnd, notifyForThisSession); ok == 0 {
		return fmt.Errorf("register session notification: %w", callErr)
	}
	defer procWTSUnRegisterSessionNotification.Call(hwnd)

	log.Info().
		Dur("poll_interval", s.poll).
		Msg("Session source started (WTS session notifications)")

	// Idle polling runs beside the message loop; closing the window ends
	// both when ctx is cancelled.
	go s.pollIdle(ctx, out)
	go func() {
		<-ctx.Done()
		procPostMessageW.Call(hwnd, wmClose, 0, 0)
	}()

	var m msg
	for {
		ret, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
		if int32(ret) <= 0 {
			// WM_QUIT or a broken message loop.
			log.Debug().Msg("Session source stopped")
			return nil
		}
		procDispatchMessageW.Call(uintptr(unsafe.Pointer(&m)))
	}
}

func (s *winSource) pollIdle(ctx context.Context, out chan<- Event) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle, err := lastInputAge()
			if err != nil {
				log.Warn().Err(err).Msg("Idle time poll failed, skipping cycle")
				continue
			}
			emit(ctx, out, IdleEvent(idle))
		}
	}
}

// lastInputAge returns the time since the last keyboard/mouse input.
func lastInputAge() (time.Duration, error) {
	info := lastInputInfo{Size: uint32(unsafe.Sizeof(lastInputInfo{}))}
	if ok, _, err := procGetLastInputInfo.Call(uintptr(unsafe.Pointer(&info))); ok == 0 {
		return 0, fmt.Errorf("GetLastInputInfo: %w", err)
	}
	ticks, _, _ := procGetTickCount.Call()
	// Both counters are 32-bit milliseconds; unsigned subtraction handles
	// the 49-day wraparound.
	elapsed := uint32(ticks) - info.Time
	return time.Duration(elapsed) * time.Millisecond, nil
}
