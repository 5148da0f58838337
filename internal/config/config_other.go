//go:build !windows

package config

func defaultEngineBinary() string {
	return "xray"
}

func defaultHelperBinary() string {
	return "tun2socks-linux-amd64"
}
