package hardware

import (
	"sort"

	"github.com/wfunc/mcu-studio/internal/errors"
	bugst "go.bug.st/serial"
)

// PortLister 枚举系统串口
type PortLister func() ([]string, error)

// SystemPorts 通过操作系统枚举串口（tarm/serial 不支持枚举）
func SystemPorts() ([]string, error) {
	return bugst.GetPortsList()
}

// listPorts 枚举端口并排序，模拟模式下附加模拟端口
func listPorts(lister PortLister, cfg *PortConfig) ([]string, error) {
	ports, err := lister()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrPortEnumerate)
	}

	names := make([]string, 0, len(ports)+1)
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		names = append(names, p)
	}
	sort.Strings(names)

	if cfg.MockMode && cfg.MockPortName != "" && !seen[cfg.MockPortName] {
		names = append(names, cfg.MockPortName)
	}
	return names, nil
}
