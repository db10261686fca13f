package observability

import (
	"os"
	"strings"

	"github.com/grafana/pyroscope-go"

	"audio-pipeline/pkg/logger"
)

var profiler *pyroscope.Profiler

// StartProfiling 在配置了 PYROSCOPE_SERVER_ADDRESS 时开启持续性能分析
func StartProfiling(appName string) {
	addr := strings.TrimSpace(os.Getenv("PYROSCOPE_SERVER_ADDRESS"))
	StartProfilingAt(appName, addr)
}

// StartProfilingAt 使用指定地址开启性能分析，地址为空时不做任何事
func StartProfilingAt(appName, serverAddress string) {
	if serverAddress == "" || profiler != nil {
		return
	}
	hostname, _ := os.Hostname()
	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Tags:            map[string]string{"hostname": hostname},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		logger.Warnf("Pyroscope start failed app=%s server=%s error=%v", appName, serverAddress, err)
		return
	}
	profiler = p
	logger.Infof("Pyroscope profiling started app=%s server=%s", appName, serverAddress)
}

// StopProfiling 停止性能分析
func StopProfiling() {
	if profiler != nil {
		_ = profiler.Stop()
		profiler = nil
	}
}
