package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/apex/log"
)

// TaskHandler a handler function which execute a task based on parameters
type TaskHandler func(taskParam interface{}) error

// TaskProcessor processing module for implementing an event loop model
type TaskProcessor interface {
	Submit(newTaskParam interface{}, ctxt context.Context) error
	ProcessNewTaskParam(newTaskParam interface{}) error
	AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error
	StartEventLoop(wg *sync.WaitGroup) error
	StopEventLoop() error
}

// taskProcessorImpl implements TaskProcessor
type taskProcessorImpl struct {
	Component
	name             string
	operationContext context.Context
	contextCancel    context.CancelFunc
	newTasks         chan interface{}
	executionMap     map[reflect.Type]TaskHandler
}

// GetNewTaskProcessorInstance get instance of TaskProcessor
func GetNewTaskProcessorInstance(
	name string, taskBuffer int, rootCtxt context.Context,
) (TaskProcessor, error) {
	logTags := log.Fields{
		"module": "common", "component": fmt.Sprintf("task-processor/%s", name),
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	return &taskProcessorImpl{
		Component:        Component{LogTags: logTags},
		name:             name,
		operationContext: ctxt,
		contextCancel:    cancel,
		newTasks:         make(chan interface{}, taskBuffer),
		executionMap:     make(map[reflect.Type]TaskHandler),
	}, nil
}

// Submit submit a new task parameter for processing
func (p *taskProcessorImpl) Submit(newTaskParam interface{}, ctxt context.Context) error {
	select {
	case p.newTasks <- newTaskParam:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-p.operationContext.Done():
		return fmt.Errorf("[TP %s] event loop terminated", p.name)
	}
}

// AddToTaskExecutionMap add a new entry to the task param to execution mapping
func (p *taskProcessorImpl) AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error {
	log.WithFields(p.LogTags).Debugf("Appending to task execution mapping for %s", theType)
	p.executionMap[theType] = handler
	return nil
}

// ProcessNewTaskParam process a new task param
func (p *taskProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	if len(p.executionMap) == 0 {
		return fmt.Errorf("[TP %s] No task execution mapping set", p.name)
	}
	log.WithFields(p.LogTags).Debugf("Processing new %s", reflect.TypeOf(newTaskParam))
	if theHandler, ok := p.executionMap[reflect.TypeOf(newTaskParam)]; ok {
		return theHandler(newTaskParam)
	}
	return fmt.Errorf(
		"[TP %s] No matching handler found for %s", p.name, reflect.TypeOf(newTaskParam),
	)
}

// StopEventLoop stop the task param processing event loop
func (p *taskProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loop")
	p.contextCancel()
	return nil
}

// StartEventLoop start the event loop
func (p *taskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loop")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(p.LogTags).Info("Event loop exiting")
		for {
			select {
			case <-p.operationContext.Done():
				return
			case newTaskParam, ok := <-p.newTasks:
				if !ok {
					log.WithFields(p.LogTags).Error(
						"Event loop terminating. Failed to read new task param",
					)
					return
				}
				if err := p.ProcessNewTaskParam(newTaskParam); err != nil {
					log.WithError(err).WithFields(p.LogTags).Error("Failed to process new task param")
				}
			}
		}
	}()
	return nil
}
