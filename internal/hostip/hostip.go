package hostip

import (
	"fmt"
	"net"
)

// PublicIPv4 返回第一个非回环接口上的全局单播 IPv4 地址。
//
// 用于未显式配置服务器 IP 时推断 A 记录与 SPF 记录的内容。
// 在 NAT 之后运行时该地址可能不是公网地址，此时应通过配置显式指定。
func PublicIPv4() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || !ip.IsGlobalUnicast() || ip.IsPrivate() {
				continue
			}
			return ip.String(), nil
		}
	}

	// 没有公网地址时退回第一个私网 IPv4，便于内网部署调试
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok {
				if ip := ipNet.IP.To4(); ip != nil && ip.IsGlobalUnicast() {
					return ip.String(), nil
				}
			}
		}
	}

	return "", fmt.Errorf("no usable ipv4 interface address found")
}
