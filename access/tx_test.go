package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

func TestTxController_Limit(t *testing.T) {
	tests := []struct {
		name       string
		rate       uint64
		current    uint64
		monitoring bool
		visited    bool
	}{
		{
			name:    "success",
			visited: true,
		},
		{
			name:    "success-below-limit",
			rate:    10,
			current: 2,
			visited: true,
		},
		{
			name:    "reject",
			rate:    1,
			current: 2,
			visited: false,
		},
		{
			name:       "monitoring-exempt",
			rate:       1,
			current:    2,
			monitoring: true,
			visited:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			procPath = "testdata/proc-success"
			tx, err := NewTxController("eth0", tt.rate)
			if err != nil {
				t.Fatalf("NewTxController() got %v", err)
			}
			tx.current = tt.current
			visited := false
			next := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
				visited = true
			})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(SetMonitoring(req.Context(), tt.monitoring))
			rw := httptest.NewRecorder()

			tx.Limit(next).ServeHTTP(rw, req)

			if visited != tt.visited {
				t.Errorf("TxController.Limit() got %t, want %t", visited, tt.visited)
			}
			if !visited && rw.Code != http.StatusServiceUnavailable {
				t.Errorf("TxController.Limit() code = %d, want 503", rw.Code)
			}
		})
	}
}

func TestNewTxController(t *testing.T) {
	tests := []struct {
		name     string
		device   string
		want     *TxController
		procPath string
		wantErr  bool
	}{
		{
			name:     "failure",
			device:   "eth0",
			procPath: "testdata/proc-failure",
			wantErr:  true,
		},
		{
			name:     "failure-nodevfile",
			device:   "eth0",
			procPath: "testdata/proc-nodevfile",
			wantErr:  true,
		},
		{
			name:     "failure-nodevice",
			device:   "eth0",
			procPath: "testdata/proc-nodevice",
			wantErr:  true,
		},
		{
			name:     "failure-other-device",
			device:   "eth1",
			procPath: "testdata/proc-success",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			procPath = tt.procPath
			got, err := NewTxController(tt.device, 0)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewTxController() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NewTxController() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTxController_Watch(t *testing.T) {
	tests := []struct {
		name         string
		rate         uint64
		wantWatchErr bool
	}{
		{
			name: "success-zero-rate",
			rate: 0,
		},
		{
			name:         "success-rate",
			rate:         1,
			wantWatchErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			procPath = "testdata/proc-success"
			got, err := NewTxController("eth0", tt.rate)
			if err != nil {
				t.Fatalf("NewTxController() error = %v", err)
			}
			got.period = time.Millisecond
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()
			err = got.Watch(ctx)
			if (err != nil) != tt.wantWatchErr {
				t.Errorf("Watch() error = %v, wantErr %v", err, tt.wantWatchErr)
				return
			}
			if got.current != 0 {
				// The fixture never changes, so the rate is zero.
				t.Errorf("Watch() current = %d, want 0", got.current)
			}
		})
	}
}
