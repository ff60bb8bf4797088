// Command kcoresim boots the kernel core on a simulated machine and reports
// how its tasks were scheduled.
package main

func main() {
	execute()
}
