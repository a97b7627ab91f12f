package prompts

import "fmt"

// RestartSucceeded is submitted to the conversation after a self-restart
// came back up healthy.
func RestartSucceeded() string {
	return "Restart successful. Zipper came back up cleanly. " +
		"Now verify that your changes work as intended."
}

// RestartRolledBack is submitted after the first restart failed, the
// working tree was stashed and the service recovered on the previous code.
func RestartRolledBack(stashOutput string) string {
	return fmt.Sprintf("RESTART FAILED: Your code changes caused a crash and zipper could not start. "+
		"Changes have been automatically stashed (git stash). "+
		"Zipper is now running the previous working code.\n\n"+
		"Stash output: %s\n\n"+
		"Review the error, fix the issue, and try again.", stashOutput)
}

// RestartEscalation is the notification sent when the service stays down
// even after rollback.
func RestartEscalation(conversationID, stashOutput string) string {
	return fmt.Sprintf("**Zipper is down and could not recover automatically.**\n"+
		"Code changes caused a crash. Git stash was attempted but zipper still won't start.\n"+
		"**Manual intervention required.**\n"+
		"conversation_id: `%s`\n"+
		"stash output: ```%s```", conversationID, stashOutput)
}
