// Package health 进程探针。chat 模块和 web 模块都有业务 HTTP 端口，
// 探针 handler 直接挂在业务路由上，不单独监听。
//
// liveness 只回答进程是否活着，启动到退出全程 200；readiness 跟随
// 探针状态机：滚动发布时先置 draining 摘掉流量，再停进程。
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// 探针状态机。starting 和 draining 对 readiness 都是 503，
// 区分两者只为让运维一眼看出实例是没起来还是正在下线。
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

var stateNames = map[int32]string{
	stateStarting: "starting",
	stateReady:    "ready",
	stateDraining: "draining",
}

// Probe 进程探针状态机，零值即 starting，可并发使用。
type Probe struct {
	state atomic.Int32
}

// NewProbe 创建探针，初始状态 starting。
func NewProbe() *Probe {
	return &Probe{}
}

// SetReady 切换就绪状态。置 false 时：draining 中的实例保持 draining，
// 其余回到 starting。
func (p *Probe) SetReady(ready bool) {
	if ready {
		p.state.Store(stateReady)
		return
	}
	p.state.CompareAndSwap(stateReady, stateStarting)
}

// SetShutdown 进入或退出下线状态。进入后 readiness 持续 503，
// 直到 SetShutdown(false) 回到 starting。
func (p *Probe) SetShutdown(shutdown bool) {
	if shutdown {
		p.state.Store(stateDraining)
		return
	}
	p.state.CompareAndSwap(stateDraining, stateStarting)
}

// State 返回当前状态名，日志和探针响应共用。
func (p *Probe) State() string {
	return stateNames[p.state.Load()]
}

// LivenessHandler 存活探针（/health）。进程能执行到这里就是活的。
func (p *Probe) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeProbe(w, http.StatusOK, "alive")
	}
}

// ReadinessHandler 就绪探针（/ready）。仅 ready 状态返回 200。
func (p *Probe) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		state := p.state.Load()
		code := http.StatusServiceUnavailable
		if state == stateReady {
			code = http.StatusOK
		}
		writeProbe(w, code, stateNames[state])
	}
}

func writeProbe(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
