// Package types 定義了 idmgr 系統中共用的領域模型
package types

import (
	"fmt"
	"strings"
)

// DeviceType 裝置類型，描述一個執行緒所在的硬體
type DeviceType int

// 定義裝置類型常數
const (
	DeviceInvalid DeviceType = iota // 無效：不屬於任何已知區段的執行緒 ID
	DeviceCPU                       // 主機端 CPU 執行緒
	DeviceGPU                       // 加速器裝置
)

func (d DeviceType) String() string {
	switch d {
	case DeviceCPU:
		return "cpu"
	case DeviceGPU:
		return "gpu"
	default:
		return "invalid"
	}
}

// MarshalText 讓 DeviceType 以字串形式寫入 YAML/JSON
func (d DeviceType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText 解析 "cpu" / "gpu"（不分大小寫），"invalid" 還原為零值
func (d *DeviceType) UnmarshalText(text []byte) error {
	if string(text) == DeviceInvalid.String() {
		*d = DeviceInvalid
		return nil
	}
	parsed, err := ParseDeviceType(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDeviceType 將設定檔中的字串轉為 DeviceType
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return DeviceCPU, nil
	case "gpu", "cuda":
		return DeviceGPU, nil
	default:
		return DeviceInvalid, fmt.Errorf("unknown device type %q", s)
	}
}

// ThrdRole 執行緒角色，對應 8-bit thread id 欄位中的區段
type ThrdRole string

// 定義執行緒角色常數
const (
	RoleDevice      ThrdRole = "device"      // 裝置執行緒：[0, D)
	RoleCommNet     ThrdRole = "comm_net"    // 網路通訊執行緒：D
	RolePersistence ThrdRole = "persistence" // 持久化 I/O 執行緒
	RoleBoxing      ThrdRole = "boxing"      // 資料重分佈執行緒
	RoleUnassigned  ThrdRole = "unassigned"  // 超出所有區段
)

// Machine 叢集中的一台機器
type Machine struct {
	Name string `yaml:"name" json:"name"`
}

// Resource 拓撲描述，由工作設定提供，Registry 建立時讀取一次
type Resource struct {
	Machines             []Machine  `yaml:"machines" json:"machines"`
	DeviceNumPerMachine  int64      `yaml:"device_num_per_machine" json:"device_num_per_machine"`
	DeviceType           DeviceType `yaml:"device_type" json:"device_type"`
	PersistenceWorkerNum int64      `yaml:"persistence_worker_num" json:"persistence_worker_num"`
	BoxingWorkerNum      int64      `yaml:"boxing_worker_num" json:"boxing_worker_num"`
}

// MachineNames 依列舉順序回傳機器名稱
func (r Resource) MachineNames() []string {
	names := make([]string, len(r.Machines))
	for i, m := range r.Machines {
		names[i] = m.Name
	}
	return names
}

// ThrdBand 一個執行緒角色佔用的 thread id 區間 [Begin, End)
type ThrdBand struct {
	Role  ThrdRole `json:"role"`
	Begin int64    `json:"begin"`
	End   int64    `json:"end"`
}

// Contains 判斷 thread id 是否落在區間內
func (b ThrdBand) Contains(thrdID int64) bool {
	return thrdID >= b.Begin && thrdID < b.End
}

// MachineCounters 單一機器的分配進度
type MachineCounters struct {
	MachineID         int64           `json:"machine_id"`
	MachineName       string          `json:"machine_name"`
	PersistenceOffset int64           `json:"persistence_offset"`
	BoxingOffset      int64           `json:"boxing_offset"`
	TasksPerThrd      map[int64]int64 `json:"tasks_per_thrd,omitempty"` // thread id -> 下一個 local id
}

// RegistrySnapshot Registry 的唯讀快照，僅供觀察與除錯，不用於恢復計數器
type RegistrySnapshot struct {
	SchemaVer     int               `json:"schema_ver"`
	Resource      Resource          `json:"resource"`
	Bands         []ThrdBand        `json:"bands"`
	Machines      []MachineCounters `json:"machines"`
	RegstDescNext int64             `json:"regst_desc_next"`
	TakenAtMs     int64             `json:"taken_at_ms"`
}
