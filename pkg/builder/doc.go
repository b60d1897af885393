// Package builder produces and caches the base images kvm-auto guests
// are cloned from. Images are keyed by the content hash of (image name,
// disk size, build-time tasks): identical keys build once and share the
// cached qcow2. Account tasks run inside the image via the customize
// tool rather than post-boot. A cached image is never evicted while a
// range's resource inventory references it.
package builder
