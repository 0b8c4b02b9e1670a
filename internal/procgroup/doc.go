// Package procgroup wraps an operating system container that terminates every process assigned
// to it when the container is closed.
//
// On Windows the container is an anonymous job object configured with
// JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE. The kernel closes the job handle when the owning process
// exits for any reason, so the guarantee survives a crash of the supervising application.
//
// On Linux the container is a freshly created cgroup v2 directory below the caller's own cgroup,
// killed through cgroup.kill. When cgroup v2 is not mounted, not delegated to the current user or
// the kernel lacks cgroup.kill, a process group is used instead and closed with
// kill(-pgid, SIGKILL). Neither primitive is released by the kernel on parent death, so callers
// spawning on Linux pair the group with PR_SET_PDEATHSIG on the direct child, persist the group's
// Record, and hand it to Reclaim from the next process that starts. SweepStale removes tether
// cgroups whose creator is gone.
//
// On macOS and the BSDs only the process group variant exists and it is best-effort: the group is
// killed on an explicit Close, but nothing kills it if the supervising process crashes.
package procgroup
