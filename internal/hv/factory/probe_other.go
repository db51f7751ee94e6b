//go:build !(linux && amd64)

package factory

func probeHost() (HostInfo, error) {
	return HostInfo{Disabled: "svm probing needs linux/amd64"}, nil
}
