package session

import "github.com/hashicorp/go-version"

// Changed lists the attributes that differ between a and next.
func (a Attributes) Changed(next Attributes) []string {
	var changed []string
	check := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}
	check("app_version", a.AppVersion != next.AppVersion)
	check("app_build", a.AppBuild != next.AppBuild)
	check("app_build_debug", a.AppBuildDebug != next.AppBuildDebug)
	check("os", a.OS != next.OS)
	check("os_version", a.OSVersion != next.OSVersion)
	check("hardware", a.Hardware != next.Hardware)
	check("screen_width", a.ScreenWidth != next.ScreenWidth)
	check("screen_height", a.ScreenHeight != next.ScreenHeight)
	check("screen_scale", a.ScreenScale != next.ScreenScale)
	check("sdk_platform", a.SDKPlatform != next.SDKPlatform)
	check("sdk_version", a.SDKVersion != next.SDKVersion)
	return changed
}

// Upgraded reports whether next is a newer build of the app than a. The
// version string decides when both sides have one; otherwise the build.
func (a Attributes) Upgraded(next Attributes) bool {
	if a.AppVersion != "" && next.AppVersion != "" && a.AppVersion != next.AppVersion {
		if newer, ok := compareVersions(a.AppVersion, next.AppVersion); ok && newer {
			return true
		}
	}
	if a.AppBuild != "" && next.AppBuild != "" && a.AppBuild != next.AppBuild {
		newer, ok := compareVersions(a.AppBuild, next.AppBuild)
		return ok && newer
	}
	return false
}

func compareVersions(prev, next string) (newer, ok bool) {
	pv, err := version.NewVersion(prev)
	if err != nil {
		return false, false
	}
	nv, err := version.NewVersion(next)
	if err != nil {
		return false, false
	}
	return nv.GreaterThan(pv), true
}
