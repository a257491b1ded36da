package resolver

import (
	"bufio"
	"os"
	"strings"
)

// linuxMountpoints lists currently mounted directories from
// /proc/self/mountinfo, the Linux-native equivalent of the /etc/mtab
// parsing unfs3's locate_file() does on other Unixes.
func linuxMountpoints() ([]string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mounts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// format: mountID parentID major:minor root mountPoint ...
		if len(fields) < 5 {
			continue
		}
		mounts = append(mounts, fields[4])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return mounts, nil
}
