//go:build windows

package config

func defaultEngineBinary() string {
	return "xray.exe"
}

func defaultHelperBinary() string {
	return "tun2socks-windows-amd64.exe"
}
