package capture

import (
	"context"
	"fmt"
	"os"

	"github.com/nav9/multi-recorder/internal/registry"
	"github.com/nav9/multi-recorder/internal/types"
)

// SyntheticEnumerator seeds the registry with a fixed device set for the
// synthetic backend: a primary monitor, a window, a webcam and a microphone.
type SyntheticEnumerator struct{}

func (SyntheticEnumerator) Enumerate(ctx context.Context) ([]registry.DeviceInfo, error) {
	return []registry.DeviceInfo{
		{
			Key:  "synthetic:monitor:0",
			Kind: types.KindMonitor,
			Name: "Synthetic Monitor",
			Capability: types.Capability{
				MaxWidth: 1920, MaxHeight: 1080, MaxFPS: 60,
				Primary: true,
			},
		},
		{
			Key:        "synthetic:window:0",
			Kind:       types.KindWindow,
			Name:       "Synthetic Window",
			Capability: types.Capability{MaxWidth: 1280, MaxHeight: 720, MaxFPS: 60},
		},
		{
			Key:        "synthetic:webcam:0",
			Kind:       types.KindWebcam,
			Name:       "Synthetic Webcam",
			Capability: types.Capability{MaxWidth: 1280, MaxHeight: 720, MaxFPS: 30, Status: "active"},
		},
		{
			Key:  "synthetic:mic:0",
			Kind: types.KindMicrophone,
			Name: "Synthetic Microphone",
			Capability: types.Capability{
				SampleRate: 48000, Channels: 2,
				Default: true,
			},
		},
	}, nil
}

// SystemEnumerator discovers real devices for the gst backend: the X display
// as a monitor source, /dev/video* webcams, and PulseAudio endpoints.
type SystemEnumerator struct {
	// MaxWebcams bounds the /dev/video probe range (default 10).
	MaxWebcams int
}

func (e SystemEnumerator) Enumerate(ctx context.Context) ([]registry.DeviceInfo, error) {
	var devices []registry.DeviceInfo

	if display := os.Getenv("DISPLAY"); display != "" {
		devices = append(devices, registry.DeviceInfo{
			Key:        registry.DeviceKey("display:" + display),
			Kind:       types.KindMonitor,
			Name:       "Display " + display,
			Device:     display,
			Capability: types.Capability{Primary: true},
		})
	}

	probe := &registry.ProbeEnumerator{
		Probe:    probeVideoDevice,
		MaxProbe: e.MaxWebcams,
	}
	webcams, err := probe.Enumerate(ctx)
	if err != nil {
		return devices, err
	}
	devices = append(devices, webcams...)

	// PulseAudio resolves these names at pipeline start; enumeration here
	// only declares the endpoints.
	devices = append(devices,
		registry.DeviceInfo{
			Key:        "pulse:default",
			Kind:       types.KindMicrophone,
			Name:       "Default Microphone",
			Device:     "default",
			Capability: types.Capability{SampleRate: 48000, Channels: 2, Default: true},
		},
		registry.DeviceInfo{
			Key:        "pulse:monitor",
			Kind:       types.KindMicrophone,
			Name:       "System Audio Loopback",
			Device:     "@DEFAULT_MONITOR@",
			Capability: types.Capability{SampleRate: 48000, Channels: 2, Loopback: true},
		},
	)
	return devices, nil
}

// probeVideoDevice checks /dev/video<i> and describes it when present.
func probeVideoDevice(ctx context.Context, index int) (registry.DeviceInfo, error) {
	path := fmt.Sprintf("/dev/video%d", index)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return registry.DeviceInfo{}, registry.ErrEndOfEnumeration
		}
		return registry.DeviceInfo{}, err
	}

	status := "active"
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		status = "busy"
	} else {
		f.Close()
	}

	return registry.DeviceInfo{
		Key:        registry.DeviceKey("v4l2:" + path),
		Kind:       types.KindWebcam,
		Name:       fmt.Sprintf("Camera %d", index),
		Device:     path,
		Capability: types.Capability{Status: status},
	}, nil
}
