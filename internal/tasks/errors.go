package tasks

import "fmt"

type TaskNotFoundError struct {
	Name string
}

func (e TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.Name)
}

type TaskExistsError struct {
	Name string
}

func (e TaskExistsError) Error() string {
	return fmt.Sprintf("task %q is already registered", e.Name)
}
